package vrm

import (
	"time"

	"github.com/levenlabs/go-lflag"

	"github.com/vrmcollect/vrmcollect/pkg/common"
)

// Configured sets up the VRM client based on flags. Missing credentials are
// a fatal startup error; a site with no way to authenticate can never
// collect anything.
func Configured() *Client {
	baseURL := lflag.String("vrm-url", "https://vrmapi.victronenergy.com/v2", "Base URL of the VRM API")
	token := lflag.String("vrm-token", "", "VRM API access token (preferred auth method)")
	username := lflag.String("vrm-username", "", "VRM portal username/email (alternative auth method)")
	password := lflag.String("vrm-password", "", "VRM portal password (alternative auth method)")
	timeout := lflag.Duration("vrm-timeout", 30*time.Second, "Per-request timeout against the VRM API")
	tokenCache := lflag.String("vrm-token-cache", "", "Optional file to cache the VRM session token across restarts")
	installationsTTL := lflag.Duration("vrm-installations-ttl", 15*time.Minute, "How long to cache the installation list")

	c := &Client{}

	lflag.Do(func() {
		if *token == "" && (*username == "" || *password == "") {
			panic("either --vrm-token or --vrm-username and --vrm-password must be set")
		}
		c.client = common.HTTPClient(*timeout)
		c.baseURL = *baseURL
		c.authToken = *token
		c.username = *username
		c.password = *password
		c.tokenCachePath = *tokenCache
		c.installationsTTL = *installationsTTL
	})

	return c
}
