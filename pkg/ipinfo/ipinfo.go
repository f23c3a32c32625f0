package ipinfo

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/viper"

	"proxyhop/pkg/fetch"
)

type IPInfoResponse struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
	Anycast  bool   `json:"anycast"`
	City     string `json:"city"`
	Region   string `json:"region"`
	Country  string `json:"country"`
	Loc      string `json:"loc"`
	Org      string `json:"org"`
	Postal   string `json:"postal"`
	Timezone string `json:"timezone"`
}

// GetIPInfo looks up ip on ipinfo.io, routed through the given proxy
// endpoint. With an empty ip it reports the proxy's own exit node, which is
// how the CLI verifies that an acquired endpoint leaves from the expected
// country.
func GetIPInfo(proxy, ip string) (IPInfoResponse, error) {
	url := fmt.Sprintf("https://ipinfo.io/%s?token=%s", ip, viper.GetString("ipinfo.token"))
	result, err := fetch.Fetch(&fetch.Request{
		URL:        url,
		Proxy:      proxy,
		TimeoutSec: 10,
	})
	if err != nil {
		return IPInfoResponse{}, err
	}

	var ipInfo IPInfoResponse
	if err := json.Unmarshal(result.Body, &ipInfo); err != nil {
		return IPInfoResponse{}, err
	}

	return ipInfo, nil
}
