package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// ProjectInfo is one Google Cloud project visible to the user.
type ProjectInfo struct {
	ProjectID     string `json:"projectId"`
	ProjectNumber string `json:"projectNumber"`
	Name          string `json:"name"`
	State         string `json:"lifecycleState"`
}

// ProjectLister discovers the user's projects after an OAuth exchange.
type ProjectLister interface {
	ListProjects(ctx context.Context, accessToken string) ([]ProjectInfo, error)
}

// ProjectDetector queries the Cloud Resource Manager and Service Usage
// APIs with the user's access token.
type ProjectDetector struct {
	client          *http.Client
	resourceManager string
	serviceUsage    string
}

func NewProjectDetector() *ProjectDetector {
	return &ProjectDetector{
		client:          &http.Client{Timeout: 30 * time.Second},
		resourceManager: "https://cloudresourcemanager.googleapis.com",
		serviceUsage:    "https://serviceusage.googleapis.com",
	}
}

// ListProjects returns the active projects the token can see.
func (d *ProjectDetector) ListProjects(ctx context.Context, accessToken string) ([]ProjectInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.resourceManager+"/v1/projects", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden:
		return nil, fmt.Errorf("list projects: 403 (missing resourcemanager.projects.list permission)")
	case http.StatusUnauthorized:
		return nil, fmt.Errorf("list projects: 401 (access token invalid or expired)")
	default:
		return nil, fmt.Errorf("list projects: status %d", resp.StatusCode)
	}

	var result struct {
		Projects []ProjectInfo `json:"projects"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode projects: %w", err)
	}

	active := result.Projects[:0]
	for _, p := range result.Projects {
		if p.State == "" || p.State == "ACTIVE" {
			active = append(active, p)
		}
	}
	return active, nil
}

// PickDefaultProject chooses a project the way the CLI's auth helper
// does: prefer one mentioning "default", otherwise take the first.
func PickDefaultProject(projects []ProjectInfo) string {
	for _, p := range projects {
		if strings.Contains(strings.ToLower(p.Name), "default") ||
			strings.Contains(strings.ToLower(p.ProjectID), "default") {
			return p.ProjectID
		}
	}
	if len(projects) > 0 {
		return projects[0].ProjectID
	}
	return ""
}

// requiredServices must be enabled on a project before Code Assist
// accepts calls for it.
var requiredServices = []string{
	"geminicloudassist.googleapis.com",
	"cloudaicompanion.googleapis.com",
}

// EnableRequiredAPIs turns on the Code Assist services for the project.
// Individual failures are logged and skipped; a project owner may have
// enabled them already or may lack serviceusage permissions.
func (d *ProjectDetector) EnableRequiredAPIs(ctx context.Context, accessToken, projectID string) {
	for _, service := range requiredServices {
		if err := d.enableService(ctx, accessToken, projectID, service); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"project": projectID,
				"service": service,
			}).Warn("service not enabled")
		}
	}
}

func (d *ProjectDetector) enableService(ctx context.Context, accessToken, projectID, service string) error {
	url := fmt.Sprintf("%s/v1/projects/%s/services/%s:enable", d.serviceUsage, projectID, service)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader("{}"))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	case http.StatusBadRequest:
		// Usually "already enabled".
		return nil
	default:
		return fmt.Errorf("enable %s: status %d", service, resp.StatusCode)
	}
}
