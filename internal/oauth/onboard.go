package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// onboardPollInterval paces the long-running-operation poll.
const onboardPollInterval = 5 * time.Second

// Onboarder activates Code Assist for a freshly minted credential:
// loadCodeAssist to learn the account's tier, then onboardUser until the
// operation completes. Existing standard/paid tiers skip onboarding.
type Onboarder struct {
	client   *http.Client
	endpoint string
}

// NewOnboarder builds an Onboarder against the Code Assist endpoint.
func NewOnboarder(endpoint string, client *http.Client) *Onboarder {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Onboarder{client: client, endpoint: endpoint}
}

// clientMetadata mirrors what the CLI sends alongside onboarding calls.
func clientMetadata(projectID string) map[string]interface{} {
	md := map[string]interface{}{
		"ideType":    "IDE_UNSPECIFIED",
		"platform":   "PLATFORM_UNSPECIFIED",
		"pluginType": "GEMINI",
	}
	if projectID != "" {
		md["duetProject"] = projectID
	}
	return md
}

// Onboard ensures the project is usable with Code Assist and returns the
// effective project id (the backend may assign a managed one on the free
// tier).
func (o *Onboarder) Onboard(ctx context.Context, accessToken, projectID string) (string, error) {
	loadBody, err := o.post(ctx, accessToken, "loadCodeAssist", map[string]interface{}{
		"cloudaicompanionProject": projectID,
		"metadata":                clientMetadata(projectID),
	})
	if err != nil {
		return "", fmt.Errorf("loadCodeAssist: %w", err)
	}

	load := gjson.ParseBytes(loadBody)
	if load.Get("currentTier").Exists() {
		if assigned := load.Get("cloudaicompanionProject").String(); assigned != "" {
			return assigned, nil
		}
		return projectID, nil
	}

	tierID := "legacy-tier"
	userDefined := true
	for _, tier := range load.Get("allowedTiers").Array() {
		if tier.Get("isDefault").Bool() {
			tierID = tier.Get("id").String()
			userDefined = tier.Get("userDefinedCloudaicompanionProject").Bool()
			break
		}
	}
	if userDefined && projectID == "" {
		return "", fmt.Errorf("this account requires an explicit Google Cloud project id")
	}

	onboardReq := map[string]interface{}{
		"tierId":                  tierID,
		"cloudaicompanionProject": projectID,
		"metadata":                clientMetadata(projectID),
	}
	for {
		lroBody, err := o.post(ctx, accessToken, "onboardUser", onboardReq)
		if err != nil {
			return "", fmt.Errorf("onboardUser: %w", err)
		}
		lro := gjson.ParseBytes(lroBody)
		if lro.Get("done").Bool() {
			if assigned := lro.Get("response.cloudaicompanionProject.id").String(); assigned != "" {
				log.WithField("project", assigned).Info("code assist onboarding complete")
				return assigned, nil
			}
			return projectID, nil
		}
		select {
		case <-time.After(onboardPollInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (o *Onboarder) post(ctx context.Context, accessToken, action string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	url := o.endpoint + "/v1internal:" + action
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}
