package envutil

import (
	"os"
	"strings"
)

// IsDev reports whether AUTHREDIRECT_ENV selects development mode,
// where cookies are issued without the Secure flag
func IsDev() bool {
	env := strings.ToLower(os.Getenv("AUTHREDIRECT_ENV"))
	return env == "development" || env == "dev"
}
