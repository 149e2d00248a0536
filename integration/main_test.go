package integration

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"testing"
)

const binaryPath = "../cmd/authredirect/authredirect"

var fakeIdP *FakeOIDCServer

// TestMain builds the binary and starts the fake identity provider once for
// all tests
func TestMain(m *testing.M) {
	flag.Parse()

	fmt.Println("Building authredirect binary...")
	buildCmd := exec.Command("go", "build", "-o", binaryPath, "../cmd/authredirect")
	if out, err := buildCmd.CombinedOutput(); err != nil {
		fmt.Printf("Failed to build authredirect: %v\n%s\n", err, out)
		os.Exit(1)
	}

	logFile := "authredirect-test.log"
	os.Setenv("AUTHREDIRECT_LOG_FILE", logFile)

	fakeIdP = NewFakeOIDCServer(fakeIdPPort)
	if err := fakeIdP.Start(); err != nil {
		fmt.Printf("Failed to start fake identity provider: %v\n", err)
		os.Exit(1)
	}

	exitCode := m.Run()

	_ = fakeIdP.Stop()
	if exitCode != 0 {
		showTestFailureDiagnostics(logFile)
	}
	os.Exit(exitCode)
}

func showTestFailureDiagnostics(logFile string) {
	data, err := os.ReadFile(logFile)
	if err != nil {
		return
	}
	fmt.Println("\n=== authredirect output ===")
	fmt.Println(string(data))
}
