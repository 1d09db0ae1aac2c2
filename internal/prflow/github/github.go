// Package github wraps go-github as the narrow reader/writer adapter pair
// consumed by the sync engine and the dispatch scheduler. Readers observe
// issues, PRs, and reviews; writers merge PRs and submit reviews under a
// caller-selected credential context.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	jwt "github.com/golang-jwt/jwt/v4"
	gh "github.com/google/go-github/v68/github"

	"github.com/miller46/prflow/internal/prflow/engine"
	"github.com/miller46/prflow/internal/prflow/retry"
)

// listPageSize bounds the open issue/PR list fetch per repo per pass.
const listPageSize = 100

// Client is a typed GitHub API client wrapping go-github.
type Client struct {
	gh           *gh.Client
	retryBackoff []time.Duration
}

// AppCredentials holds GitHub App authentication parameters.
type AppCredentials struct {
	ClientID       string
	InstallationID int64
	PrivateKeyPath string
}

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	baseURL      string
	retryBackoff []time.Duration
	app          *AppCredentials
}

// readKeyFile is a variable for testing; defaults to os.ReadFile.
var readKeyFile = os.ReadFile

// WithBaseURL overrides the GitHub API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithRetryBackoff overrides the default retry backoff delays.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *clientConfig) { c.retryBackoff = delays }
}

// WithAppAuth configures GitHub App authentication using a Client ID,
// installation ID, and private key file. When set, token is ignored.
func WithAppAuth(app AppCredentials) Option {
	return func(c *clientConfig) { c.app = &app }
}

// New creates a new GitHub API client. When WithAppAuth is provided, the
// client authenticates as a GitHub App installation (token is ignored).
// Otherwise it authenticates with the given personal access token.
func New(token string, opts ...Option) (*Client, error) {
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}

	var client *gh.Client

	if cfg.app != nil {
		httpClient, err := newAppHTTPClient(cfg.app, cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub App auth: %w", err)
		}
		client = gh.NewClient(httpClient)
		if cfg.baseURL != "" {
			client, _ = client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
		}
	} else {
		client = gh.NewClient(nil).WithAuthToken(token)
		if cfg.baseURL != "" {
			client, _ = client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
		}
	}

	return &Client{gh: client, retryBackoff: cfg.retryBackoff}, nil
}

// newAppHTTPClient creates an http.Client with a GitHub App installation
// transport that uses Client ID (string) as the JWT issuer.
func newAppHTTPClient(app *AppCredentials, baseURL string) (*http.Client, error) {
	keyData, err := readKeyFile(expandHome(app.PrivateKeyPath))
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", app.PrivateKeyPath, err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	signer := &clientIDSigner{
		clientID: app.ClientID,
		method:   jwt.SigningMethodRS256,
		key:      key,
	}

	atr, err := ghinstallation.NewAppsTransportWithOptions(
		http.DefaultTransport, 0, // appID unused — our signer overrides the issuer
		ghinstallation.WithSigner(signer),
	)
	if err != nil {
		return nil, fmt.Errorf("creating apps transport: %w", err)
	}
	if baseURL != "" {
		atr.BaseURL = baseURL
	}

	itr := ghinstallation.NewFromAppsTransport(atr, app.InstallationID)
	if baseURL != "" {
		itr.BaseURL = baseURL
	}

	return &http.Client{Transport: itr}, nil
}

// clientIDSigner implements ghinstallation.Signer using a string Client ID
// as the JWT issuer instead of a numeric App ID.
type clientIDSigner struct {
	clientID string
	method   jwt.SigningMethod
	key      any
}

func (s *clientIDSigner) Sign(claims jwt.Claims) (string, error) {
	if rc, ok := claims.(*jwt.RegisteredClaims); ok {
		rc.Issuer = s.clientID
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.key)
}

// splitRepo splits "owner/name" into its parts.
func splitRepo(repo string) (string, string, error) {
	parts := strings.Split(repo, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repo must be in owner/name format, got %q", repo)
	}
	return parts[0], parts[1], nil
}

// FetchOpenIssues returns the open issues for a repo (bounded page,
// excluding pull requests, which GitHub reports on the issues API too).
func (c *Client) FetchOpenIssues(ctx context.Context, repo string) ([]engine.IssueObservation, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	return retry.DoVal(ctx, func() ([]engine.IssueObservation, error) {
		issues, _, err := c.gh.Issues.ListByRepo(ctx, owner, name, &gh.IssueListByRepoOptions{
			State:       "open",
			ListOptions: gh.ListOptions{PerPage: listPageSize},
		})
		if err != nil {
			return nil, classifyErr(fmt.Errorf("fetching open issues for %s: %w", repo, err))
		}
		var out []engine.IssueObservation
		for _, is := range issues {
			if is.IsPullRequest() {
				continue
			}
			out = append(out, issueFromGH(is))
		}
		return out, nil
	}, c.retryOpts()...)
}

// FetchOpenPRs returns the open pull requests for a repo (bounded page).
// List results carry no mergeability or review data; use FetchPRDetail.
func (c *Client) FetchOpenPRs(ctx context.Context, repo string) ([]engine.PRObservation, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	return retry.DoVal(ctx, func() ([]engine.PRObservation, error) {
		prs, _, err := c.gh.PullRequests.List(ctx, owner, name, &gh.PullRequestListOptions{
			State:       "open",
			ListOptions: gh.ListOptions{PerPage: listPageSize},
		})
		if err != nil {
			return nil, classifyErr(fmt.Errorf("fetching open PRs for %s: %w", repo, err))
		}
		var out []engine.PRObservation
		for _, pr := range prs {
			out = append(out, prFromGH(pr))
		}
		return out, nil
	}, c.retryOpts()...)
}

// FetchPRDetail returns the full observation for one PR: head revision,
// mergeability, and all reviews.
func (c *Client) FetchPRDetail(ctx context.Context, repo string, number int) (engine.PRObservation, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return engine.PRObservation{}, err
	}
	return retry.DoVal(ctx, func() (engine.PRObservation, error) {
		pr, _, err := c.gh.PullRequests.Get(ctx, owner, name, number)
		if err != nil {
			return engine.PRObservation{}, classifyErr(fmt.Errorf("fetching PR %s#%d: %w", repo, number, err))
		}
		obs := prFromGH(pr)

		opts := &gh.ListOptions{PerPage: listPageSize}
		for {
			reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, owner, name, number, opts)
			if err != nil {
				return engine.PRObservation{}, classifyErr(fmt.Errorf("fetching reviews for %s#%d: %w", repo, number, err))
			}
			for _, r := range reviews {
				obs.Reviews = append(obs.Reviews, engine.Review{
					Author:      r.GetUser().GetLogin(),
					Decision:    r.GetState(),
					CommitSHA:   r.GetCommitID(),
					SubmittedAt: r.GetSubmittedAt().Time,
				})
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return obs, nil
	}, c.retryOpts()...)
}

// MergeStrategies supported by MergePR.
var MergeStrategies = map[string]bool{"merge": true, "squash": true, "rebase": true}

// MergePR merges a pull request with the given strategy.
func (c *Client) MergePR(ctx context.Context, repo string, number int, strategy string) error {
	if !MergeStrategies[strategy] {
		return fmt.Errorf("strategy must be merge, squash, or rebase, got %q", strategy)
	}
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	return retry.Do(ctx, func() error {
		_, _, err := c.gh.PullRequests.Merge(ctx, owner, name, number, "", &gh.PullRequestOptions{
			MergeMethod: strategy,
		})
		if err != nil {
			return classifyErr(fmt.Errorf("merging PR %s#%d: %w", repo, number, err))
		}
		return nil
	}, c.retryOpts()...)
}

// Review verdicts accepted by SubmitReview.
const (
	VerdictApprove        = "approve"
	VerdictRequestChanges = "request_changes"
)

// ValidateReviewBody enforces the machine-checkable contract: the body's
// first line must be "VERDICT: APPROVE" or "VERDICT: REQUEST_CHANGES",
// matching the verdict.
func ValidateReviewBody(verdict, body string) error {
	if strings.TrimSpace(body) == "" {
		return errors.New("review body is required")
	}
	var expected string
	switch verdict {
	case VerdictApprove:
		expected = "VERDICT: APPROVE"
	case VerdictRequestChanges:
		expected = "VERDICT: REQUEST_CHANGES"
	default:
		return fmt.Errorf("verdict must be approve or request_changes, got %q", verdict)
	}
	firstLine := strings.ToUpper(strings.TrimSpace(strings.SplitN(strings.TrimSpace(body), "\n", 2)[0]))
	if firstLine != expected {
		return fmt.Errorf("review body must start with %q", expected)
	}
	return nil
}

// SubmitReview submits a PR review with the given verdict and body. The
// body must satisfy ValidateReviewBody.
func (c *Client) SubmitReview(ctx context.Context, repo string, number int, verdict, body string) error {
	if err := ValidateReviewBody(verdict, body); err != nil {
		return err
	}
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	event := "APPROVE"
	if verdict == VerdictRequestChanges {
		event = "REQUEST_CHANGES"
	}
	return retry.Do(ctx, func() error {
		_, _, err := c.gh.PullRequests.CreateReview(ctx, owner, name, number, &gh.PullRequestReviewRequest{
			Body:  gh.Ptr(body),
			Event: gh.Ptr(event),
		})
		if err != nil {
			return classifyErr(fmt.Errorf("submitting review on %s#%d: %w", repo, number, err))
		}
		return nil
	}, c.retryOpts()...)
}

// CreatePR opens a pull request head→base and returns its number and URL.
func (c *Client) CreatePR(ctx context.Context, repo, head, base, title, body string) (int, string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return 0, "", err
	}
	type created struct {
		number int
		url    string
	}
	res, err := retry.DoVal(ctx, func() (created, error) {
		pr, _, err := c.gh.PullRequests.Create(ctx, owner, name, &gh.NewPullRequest{
			Title: gh.Ptr(title),
			Head:  gh.Ptr(head),
			Base:  gh.Ptr(base),
			Body:  gh.Ptr(body),
		})
		if err != nil {
			return created{}, classifyErr(fmt.Errorf("creating PR in %s: %w", repo, err))
		}
		return created{number: pr.GetNumber(), url: pr.GetHTMLURL()}, nil
	}, c.retryOpts()...)
	return res.number, res.url, err
}

func issueFromGH(is *gh.Issue) engine.IssueObservation {
	obs := engine.IssueObservation{
		Number:    is.GetNumber(),
		Title:     is.GetTitle(),
		Body:      is.GetBody(),
		State:     is.GetState(),
		Author:    is.GetUser().GetLogin(),
		CreatedAt: is.GetCreatedAt().Time,
		UpdatedAt: is.GetUpdatedAt().Time,
	}
	for _, l := range is.Labels {
		obs.Labels = append(obs.Labels, l.GetName())
	}
	return obs
}

func prFromGH(pr *gh.PullRequest) engine.PRObservation {
	obs := engine.PRObservation{
		Number:     pr.GetNumber(),
		Title:      pr.GetTitle(),
		Body:       pr.GetBody(),
		State:      pr.GetState(),
		Author:     pr.GetUser().GetLogin(),
		MergeState: strings.ToUpper(pr.GetMergeableState()),
		CreatedAt:  pr.GetCreatedAt().Time,
		UpdatedAt:  pr.GetUpdatedAt().Time,
	}
	if pr.GetMerged() {
		obs.State = "MERGED"
	}
	if pr.Head != nil {
		obs.HeadSHA = pr.Head.GetSHA()
		obs.HeadRefName = pr.Head.GetRef()
	}
	// The REST API exposes mergeability as a nullable bool; normalize to
	// the tri-state strings the state machine compares against.
	switch {
	case pr.Mergeable == nil:
		obs.Mergeable = "UNKNOWN"
	case pr.GetMergeable():
		obs.Mergeable = "MERGEABLE"
	default:
		obs.Mergeable = "CONFLICTING"
	}
	return obs
}

// retryOpts returns the retry options for this client.
func (c *Client) retryOpts() []retry.Option {
	if len(c.retryBackoff) > 0 {
		return []retry.Option{retry.WithBackoff(c.retryBackoff...)}
	}
	return nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// classifyErr wraps a go-github error as permanent if it's a client error
// (4xx), and leaves it retryable for server errors (5xx) and network errors.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		if ghErr.Response.StatusCode >= 400 && ghErr.Response.StatusCode < 500 {
			return retry.Permanent(err)
		}
	}
	return err
}
