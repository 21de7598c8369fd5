package oauth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOnboardSkipsWhenTierExists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1internal:loadCodeAssist", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"currentTier":             map[string]interface{}{"id": "standard-tier"},
			"cloudaicompanionProject": "managed-proj",
		})
	}))
	defer srv.Close()

	o := NewOnboarder(srv.URL, srv.Client())
	project, err := o.Onboard(context.Background(), "tok", "my-proj")
	require.NoError(t, err)
	require.Equal(t, "managed-proj", project)
}

func TestOnboardRunsLRO(t *testing.T) {
	var onboardCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1internal:loadCodeAssist":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"allowedTiers": []map[string]interface{}{
					{"id": "free-tier", "isDefault": true, "userDefinedCloudaicompanionProject": false},
				},
			})
		case "/v1internal:onboardUser":
			onboardCalls++
			var req map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			require.Equal(t, "free-tier", req["tierId"])
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"done": true,
				"response": map[string]interface{}{
					"cloudaicompanionProject": map[string]interface{}{"id": "assigned-proj"},
				},
			})
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	o := NewOnboarder(srv.URL, srv.Client())
	project, err := o.Onboard(context.Background(), "tok", "")
	require.NoError(t, err)
	require.Equal(t, "assigned-proj", project)
	require.Equal(t, 1, onboardCalls)
}

func TestOnboardRequiresProjectForUserDefinedTier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"allowedTiers": []map[string]interface{}{
				{"id": "paid-tier", "isDefault": true, "userDefinedCloudaicompanionProject": true},
			},
		})
	}))
	defer srv.Close()

	o := NewOnboarder(srv.URL, srv.Client())
	_, err := o.Onboard(context.Background(), "tok", "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "project")
}
