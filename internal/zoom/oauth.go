package zoom

import "golang.org/x/oauth2"

// authURL is Zoom's OAuth authorization endpoint.
const authURL = "https://zoom.us/oauth/authorize"

// OAuthConfig returns the OAuth2 config for the auth-code flow used when a
// user connects their Zoom account.
func OAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
		Endpoint: oauth2.Endpoint{
			AuthURL:  authURL,
			TokenURL: TokenURL,
		},
	}
}
