// roomcli is a headless room client for development. It verifies against
// the gateway, binds to a relay, joins the chat and presence channels, and
// mirrors the room to stdout. Lines typed on stdin are broadcast; a few
// slash commands drive the split flow:
//
//	/scan          post the demo receipt and open a split session
//	/join <ts>     join the split keyed by the message timestamp
//	/pay <ts>      pay your share of the split
//	/who           print the current presence members
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tabsplit/tabsplit/internal/channel"
	"github.com/tabsplit/tabsplit/internal/client"
	"github.com/tabsplit/tabsplit/internal/gateway"
	"github.com/tabsplit/tabsplit/internal/identity"
	"github.com/tabsplit/tabsplit/internal/presence"
	"github.com/tabsplit/tabsplit/internal/receipt"
)

func main() {
	gatewayURL := "http://localhost:8081"
	if v := os.Getenv("GATEWAY_URL"); v != "" {
		gatewayURL = v
	}
	relayURL := "ws://localhost:8080/ws"
	if v := os.Getenv("RELAY_URL"); v != "" {
		relayURL = v
	}
	env := "dev"
	if v := os.Getenv("CHANNEL_ENV"); v != "" {
		env = v
	}
	subject := os.Getenv("SUBJECT")
	if subject == "" {
		log.Fatalf("SUBJECT is required")
	}
	trust := "phone"
	if v := os.Getenv("VERIFICATION_LEVEL"); v != "" {
		trust = v
	}
	username := os.Getenv("USERNAME")
	if username == "" {
		username = identity.DefaultDisplayName(subject)
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}

	// Verify against the gateway and capture the session cookie.
	cookie, err := login(httpClient, gatewayURL, subject, trust, username)
	if err != nil {
		log.Fatalf("login failed: %v", err)
	}
	log.Printf("verified as %s (%s)", username, trust)

	channels := channel.ForEnv(env)

	auth := func(ctx context.Context, socketID, channelName string) (string, error) {
		return authorize(ctx, httpClient, gatewayURL, cookie, socketID, channelName, username)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	c, err := client.Dial(ctx, client.Config{
		URL:  relayURL,
		Auth: auth,
		Self: presence.Member{
			ID:   subject,
			Info: presence.MemberInfo{Username: username, VerificationLevel: trust},
		},
	})
	cancel()
	if err != nil {
		log.Fatalf("relay dial failed: %v", err)
	}
	defer c.Close()

	ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	if err := c.Subscribe(ctx, channels.Chat); err != nil {
		cancel()
		log.Fatalf("chat subscribe failed: %v", err)
	}
	if err := c.Subscribe(ctx, channels.Presence); err != nil {
		cancel()
		log.Fatalf("presence subscribe failed: %v", err)
	}
	cancel()
	log.Printf("joined %s (socket=%s)", channels.Chat, c.SocketID())

	go mirror(c)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := handleLine(httpClient, gatewayURL, cookie, username, c, line); err != nil {
			log.Printf("error: %v", err)
		}
	}
}

// login posts the verified claim to the gateway and returns the session
// cookie.
func login(hc *http.Client, gatewayURL, subject, trust, username string) (*http.Cookie, error) {
	body, err := json.Marshal(map[string]string{
		"subject":            subject,
		"verification_level": trust,
		"username":           username,
	})
	if err != nil {
		return nil, err
	}
	resp, err := hc.Post(gatewayURL+"/auth/callback", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	for _, cookie := range resp.Cookies() {
		if cookie.Name == gateway.SessionCookie {
			return cookie, nil
		}
	}
	return nil, fmt.Errorf("no session cookie in response")
}

// authorize exchanges the socket id and channel name for a signed channel
// token at the gateway.
func authorize(ctx context.Context, hc *http.Client, gatewayURL string, cookie *http.Cookie, socketID, channelName, username string) (string, error) {
	body, err := json.Marshal(map[string]string{
		"socket_id":    socketID,
		"channel_name": channelName,
		"username":     username,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gatewayURL+"/realtime/auth", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(cookie)

	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("authorizer returned %d for %s", resp.StatusCode, channelName)
	}

	var payload struct {
		Auth string `json:"auth"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	return payload.Auth, nil
}

// broadcast posts one event body to the gateway's message endpoint.
func broadcast(hc *http.Client, gatewayURL string, cookie *http.Cookie, payload map[string]interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, gatewayURL+"/api/message", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.AddCookie(cookie)

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %d", resp.StatusCode)
	}
	return nil
}

// handleLine turns one stdin line into a broadcast.
func handleLine(hc *http.Client, gatewayURL string, cookie *http.Cookie, username string, c *client.Client, line string) error {
	switch {
	case line == "/who":
		for _, m := range c.Presence().Members() {
			fmt.Printf("  %s (%s)\n", m.Info.Username, m.Info.VerificationLevel)
		}
		return nil

	case line == "/scan":
		r := receipt.Scan()
		return broadcast(hc, gatewayURL, cookie, map[string]interface{}{
			"message":  fmt.Sprintf("Receipt from %s", r.Restaurant),
			"username": username,
			"receipt":  r,
		})

	case strings.HasPrefix(line, "/join "):
		return broadcast(hc, gatewayURL, cookie, map[string]interface{}{
			"type":             "split-join",
			"messageTimestamp": strings.TrimSpace(strings.TrimPrefix(line, "/join ")),
		})

	case strings.HasPrefix(line, "/pay "):
		return broadcast(hc, gatewayURL, cookie, map[string]interface{}{
			"type":             "split-pay",
			"messageTimestamp": strings.TrimSpace(strings.TrimPrefix(line, "/pay ")),
		})

	default:
		return broadcast(hc, gatewayURL, cookie, map[string]interface{}{
			"message":  line,
			"username": username,
		})
	}
}

// mirror prints new feed entries and presence changes as they arrive.
func mirror(c *client.Client) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	printed := 0
	lastCount := c.Presence().Count()

	for {
		select {
		case err := <-c.Errors():
			log.Printf("relay error: %v", err)

		case <-ticker.C:
			entries := c.Feed().Entries()
			for ; printed < len(entries); printed++ {
				e := entries[printed]
				fmt.Printf("[%s] %s: %s\n", e.Message.Timestamp, e.Message.Username, e.Message.Message)
				if e.Split != nil {
					fmt.Printf("  split %s %.2f: %d in, share %.2f each\n",
						e.Split.Currency(), float64(e.Split.TotalCents())/100,
						e.Split.Count(), e.Split.Share())
				}
			}

			if n := c.Presence().Count(); n != lastCount {
				suffix := ""
				if c.Presence().Degraded() {
					suffix = " (degraded)"
				}
				fmt.Printf("-- %d in the room%s\n", n, suffix)
				lastCount = n
			}
		}
	}
}
