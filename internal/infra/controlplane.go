package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/eliteGoblin/ctrldsync/internal/domain"
	"github.com/eliteGoblin/ctrldsync/internal/validate"
)

const (
	// DefaultAPIBase is the profiles endpoint of the control plane.
	DefaultAPIBase = "https://api.controld.com/profiles"

	// maxAPIResponse caps a single API response body.
	maxAPIResponse = 64 << 20
)

// ControlPlaneClient implements domain.ControlPlane over the REST API.
// Every call goes through the shared Executor.
type ControlPlaneClient struct {
	baseURL   string
	token     string
	userAgent string
	client    *http.Client
	executor  *Executor
	metrics   *Metrics
	logger    *zap.Logger
}

// NewControlPlaneClient creates a client that never follows redirects.
func NewControlPlaneClient(
	baseURL, token string,
	timeout time.Duration,
	executor *Executor,
	metrics *Metrics,
	logger *zap.Logger,
) *ControlPlaneClient {
	return NewControlPlaneClientWithHTTP(baseURL, token, NewNoRedirectClient(timeout), executor, metrics, logger)
}

// NewControlPlaneClientWithHTTP creates a client with a custom HTTP client (for tests).
func NewControlPlaneClientWithHTTP(
	baseURL, token string,
	client *http.Client,
	executor *Executor,
	metrics *Metrics,
	logger *zap.Logger,
) *ControlPlaneClient {
	if baseURL == "" {
		baseURL = DefaultAPIBase
	}
	return &ControlPlaneClient{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		userAgent: UserAgent,
		client:    client,
		executor:  executor,
		metrics:   metrics,
		logger:    logger,
	}
}

// SetUserAgent overrides the User-Agent header.
func (c *ControlPlaneClient) SetUserAgent(ua string) {
	if ua != "" {
		c.userAgent = ua
	}
}

// ListFolders verifies access to the profile and lists its folders.
func (c *ControlPlaneClient) ListFolders(ctx context.Context, profileID string) ([]domain.RemoteFolder, error) {
	body, err := c.call(ctx, http.MethodGet, c.profileURL(profileID, "groups"), nil)
	if err != nil {
		var serr *StatusError
		if errors.As(err, &serr) {
			if hint, ok := accessHint(serr.StatusCode, profileID); ok {
				return nil, fmt.Errorf("%w: %s", domain.ErrAccessDenied, hint)
			}
		}
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil, fmt.Errorf("failed to parse folders: expected JSON object")
	}
	b := root.Get("body")
	if !b.IsObject() {
		return nil, fmt.Errorf("failed to parse folders: expected 'body' object")
	}
	groups := b.Get("groups")
	if groups.Exists() && !groups.IsArray() {
		return nil, fmt.Errorf("failed to parse folders: expected 'body.groups' list")
	}

	var folders []domain.RemoteFolder
	for _, g := range groups.Array() {
		if !g.IsObject() {
			continue
		}
		name := strings.TrimSpace(g.Get("group").String())
		id := idString(g.Get("PK"))
		if name == "" || id == "" {
			continue
		}
		if !validate.FolderID(id) {
			c.logger.Warn("skipping folder with invalid id", zap.String("id", id))
			continue
		}
		folders = append(folders, domain.RemoteFolder{Name: name, ID: id})
	}
	return folders, nil
}

// DeleteFolder removes a folder and its rules.
func (c *ControlPlaneClient) DeleteFolder(ctx context.Context, profileID, folderID string) error {
	if !validate.FolderID(folderID) {
		return fmt.Errorf("invalid folder id %q", folderID)
	}
	if _, err := c.call(ctx, http.MethodDelete, c.profileURL(profileID, "groups", folderID), nil); err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}
	return nil
}

// CreateFolder creates a folder and returns its id when the response carries one.
func (c *ControlPlaneClient) CreateFolder(ctx context.Context, profileID string, spec domain.FolderSpec) (string, bool, error) {
	form := url.Values{}
	form.Set("name", spec.Name)
	form.Set("do", strconv.Itoa(int(spec.Action)))
	form.Set("status", strconv.Itoa(spec.Status))

	body, err := c.call(ctx, http.MethodPost, c.profileURL(profileID, "groups"), form)
	if err != nil {
		return "", false, fmt.Errorf("failed to create folder: %w", err)
	}

	b := gjson.GetBytes(body, "body")
	if pk := b.Get("group.PK"); pk.Exists() {
		id := idString(pk)
		if !validate.FolderID(id) {
			return "", false, fmt.Errorf("api returned invalid folder id %q", id)
		}
		return id, true, nil
	}
	for _, g := range b.Get("groups").Array() {
		if g.Get("group").String() != spec.Name {
			continue
		}
		id := idString(g.Get("PK"))
		if validate.FolderID(id) {
			return id, true, nil
		}
		c.logger.Warn("api returned invalid folder id", zap.String("id", id))
	}
	return "", false, nil
}

// ListRules lists rule identifiers in a folder, or the profile root when folderID is empty.
func (c *ControlPlaneClient) ListRules(ctx context.Context, profileID, folderID string) ([]string, error) {
	u := c.profileURL(profileID, "rules")
	if folderID != "" {
		if !validate.FolderID(folderID) {
			return nil, fmt.Errorf("invalid folder id %q", folderID)
		}
		u = c.profileURL(profileID, "rules", folderID)
	}

	body, err := c.call(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}

	items := gjson.GetBytes(body, "body.rules").Array()
	rules := make([]string, 0, len(items))
	for _, r := range items {
		if pk := r.Get("PK").String(); pk != "" {
			rules = append(rules, pk)
		}
	}
	return rules, nil
}

// PushRules creates one batch of rules in a folder.
func (c *ControlPlaneClient) PushRules(
	ctx context.Context,
	profileID, folderID string,
	action domain.RuleAction,
	status int,
	rules []string,
) error {
	form := url.Values{}
	form.Set("do", strconv.Itoa(int(action)))
	form.Set("status", strconv.Itoa(status))
	form.Set("group", folderID)
	for i, r := range rules {
		form.Set("hostnames["+strconv.Itoa(i)+"]", r)
	}

	if _, err := c.call(ctx, http.MethodPost, c.profileURL(profileID, "rules"), form); err != nil {
		return fmt.Errorf("failed to push rules: %w", err)
	}
	return nil
}

func (c *ControlPlaneClient) profileURL(profileID string, parts ...string) string {
	segs := make([]string, 0, len(parts)+2)
	segs = append(segs, c.baseURL, url.PathEscape(profileID))
	for _, p := range parts {
		segs = append(segs, url.PathEscape(p))
	}
	return strings.Join(segs, "/")
}

// call sends one API request through the executor. ctx gates each attempt;
// a request already on the wire runs to completion, bounded by the client
// timeout.
func (c *ControlPlaneClient) call(ctx context.Context, method, u string, form url.Values) ([]byte, error) {
	c.metrics.IncAPICall(method)

	resp, err := c.executor.Do(ctx, func(ctx context.Context) (*http.Response, error) {
		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(context.WithoutCancel(ctx), method, u, body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("User-Agent", c.userAgent)
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		return c.client.Do(req)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return nil, fmt.Errorf("unexpected status %d (redirects are not followed)", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponse))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return data, nil
}

// idString renders a PK that may be encoded as a string or a number.
func idString(r gjson.Result) string {
	switch r.Type {
	case gjson.String:
		return strings.TrimSpace(r.Str)
	case gjson.Number:
		return r.Raw
	default:
		return ""
	}
}

func accessHint(code int, profileID string) (string, bool) {
	switch code {
	case http.StatusUnauthorized:
		return "authentication failed, the API token is invalid (check it at https://controld.com/account/manage-account)", true
	case http.StatusForbidden:
		return fmt.Sprintf("token lacks permission for profile %s", profileID), true
	case http.StatusNotFound:
		return fmt.Sprintf("profile %s not found, verify the ID from the dashboard URL", profileID), true
	}
	return "", false
}

var _ domain.ControlPlane = (*ControlPlaneClient)(nil)
