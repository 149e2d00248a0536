package idp

import (
	"context"
	"fmt"
)

// azureLoginBaseURL can be overridden for testing
var azureLoginBaseURL = "https://login.microsoftonline.com"

// NewAzureProvider creates an Azure AD provider using OIDC discovery on the
// tenant's v2.0 issuer
func NewAzureProvider(ctx context.Context, tenantID, clientID, clientSecret, redirectURI string) (*OIDCProvider, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantId is required for Azure AD")
	}

	return NewOIDCProvider(ctx, OIDCConfig{
		ProviderType: "azure",
		Issuer:       fmt.Sprintf("%s/%s/v2.0", azureLoginBaseURL, tenantID),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURI:  redirectURI,
		Scopes:       []string{"openid", "email", "profile"},
		TrustEmail:   true,
	})
}
