package firmware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
	"golang.org/x/oauth2"
)

// GitHubConfig configures the GitHub release source.
type GitHubConfig struct {
	// Token authenticates API and asset requests when set.
	Token string
	// BaseURL overrides https://api.github.com/ for Enterprise servers and tests.
	BaseURL string
	Timeout time.Duration
}

// GitHub reads releases through the GitHub REST API.
type GitHub struct {
	client *github.Client
	assets *http.Client
}

// NewGitHub builds a GitHub release source.
func NewGitHub(ctx context.Context, cfg GitHubConfig) (*GitHub, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	client := github.NewClient(getHTTPClient(ctx, cfg.Token, cfg.Timeout))
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		client.BaseURL = u
	}

	return &GitHub{
		client: client,
		// Redirects land on signed storage URLs which reject extra credentials.
		assets: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// LatestRelease implements ReleaseSource.
func (g *GitHub) LatestRelease(ctx context.Context, repo string) (Release, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return Release{}, err
	}
	rel, _, err := g.client.Repositories.GetLatestRelease(ctx, owner, name)
	if err != nil {
		return Release{}, translateGitHubError(err)
	}
	return toRelease(rel), nil
}

// ListReleases implements ReleaseSource, walking every page.
func (g *GitHub) ListReleases(ctx context.Context, repo string) ([]Release, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	opts := &github.ListOptions{PerPage: 100}
	var out []Release
	for {
		page, resp, err := g.client.Repositories.ListReleases(ctx, owner, name, opts)
		if err != nil {
			return nil, translateGitHubError(err)
		}
		for _, rel := range page {
			out = append(out, toRelease(rel))
		}
		if resp == nil || resp.NextPage == 0 {
			return out, nil
		}
		opts.Page = resp.NextPage
	}
}

// DownloadAsset implements ReleaseSource.
func (g *GitHub) DownloadAsset(ctx context.Context, repo string, asset Asset) (io.ReadCloser, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	rc, _, err := g.client.Repositories.DownloadReleaseAsset(ctx, owner, name, asset.ID, g.assets)
	if err != nil {
		return nil, translateGitHubError(err)
	}
	if rc == nil {
		return nil, fmt.Errorf("asset %s returned no content", asset.Name)
	}
	return rc, nil
}

func toRelease(rel *github.RepositoryRelease) Release {
	out := Release{
		Tag:   rel.GetTagName(),
		Title: rel.GetName(),
	}
	for _, a := range rel.Assets {
		out.Assets = append(out.Assets, Asset{
			ID:   a.GetID(),
			Name: a.GetName(),
			Size: int64(a.GetSize()),
			URL:  a.GetURL(),
		})
	}
	return out
}

func translateGitHubError(err error) error {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, ghErr.Message)
	}
	return err
}

func getHTTPClient(ctx context.Context, token string, timeout time.Duration) *http.Client {
	if token == "" {
		return &http.Client{Timeout: timeout}
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := oauth2.NewClient(ctx, ts)
	client.Timeout = timeout
	return client
}
