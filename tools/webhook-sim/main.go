// webhook-sim sends a fake Google Calendar push notification to a local
// scheduling-service, for exercising the sync pipeline without a real
// calendar subscription.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
)

func main() {
	var (
		baseURL   = flag.String("base-url", getenv("BASE_URL", "http://localhost:8086"), "scheduling service base url")
		channelID = flag.String("channel-id", getenv("CHANNEL_ID", ""), "webhook channel id (as stored on the connection)")
		resource  = flag.String("resource-id", getenv("RESOURCE_ID", "res-sim"), "resource id")
		token     = flag.String("token", getenv("CHANNEL_TOKEN", ""), "channel verification token")
		state     = flag.String("state", getenv("RESOURCE_STATE", "exists"), "resource state: sync | exists | not_exists")
	)
	flag.Parse()

	if strings.TrimSpace(*channelID) == "" {
		fatal("CHANNEL_ID is required")
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(*baseURL, "/")+"/webhooks/google/calendar", nil)
	if err != nil {
		fatal(err.Error())
	}
	req.Header.Set("X-Goog-Channel-ID", *channelID)
	req.Header.Set("X-Goog-Resource-ID", *resource)
	req.Header.Set("X-Goog-Channel-Token", *token)
	req.Header.Set("X-Goog-Resource-State", *state)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()

	fmt.Printf("status=%d\n", resp.StatusCode)
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, "error: "+msg)
	os.Exit(1)
}
