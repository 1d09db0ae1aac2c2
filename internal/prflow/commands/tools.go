package commands

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/miller46/prflow/internal/prflow/config"
	"github.com/miller46/prflow/internal/prflow/credentials"
	"github.com/miller46/prflow/internal/prflow/errcode"
)

// SubmitPR opens a pull request under the controller's credentials and
// prints its number and URL.
func SubmitPR(args []string) error {
	fs := flag.NewFlagSet("submit-pr", flag.ExitOnError)
	repo := fs.String("repo", "", "target repo (owner/name)")
	head := fs.String("head", "", "source branch")
	base := fs.String("base", "main", "target branch")
	title := fs.String("title", "", "PR title")
	body := fs.String("body", "", "PR body")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *repo == "" || *head == "" || *title == "" {
		return printErrEnvelope(
			errcode.New(errcode.InvalidInput, "--repo, --head, and --title are required", false),
			errcode.InvalidInput)
	}

	gh, err := defaultGithubClient()
	if err != nil {
		return printErrEnvelope(err, errcode.ConfigError)
	}

	ctx, cancel := githubCtx()
	defer cancel()

	number, url, err := gh.CreatePR(ctx, *repo, *head, *base, *title, *body)
	if err != nil {
		return printErrEnvelope(err, errcode.Upstream)
	}
	return printJSON(map[string]any{"prNumber": number, "url": url})
}

// SubmitPRReview submits a review under the reviewer agent's own
// credential profile, enforcing the VERDICT first-line contract.
func SubmitPRReview(args []string) error {
	fs := flag.NewFlagSet("submit-pr-review", flag.ExitOnError)
	repo := fs.String("repo", "", "target repo (owner/name)")
	pr := fs.Int("pr", 0, "pull request number")
	reviewer := fs.String("reviewer", "", "reviewer agent id (selects the credential profile)")
	verdict := fs.String("verdict", "", "approve or request_changes")
	body := fs.String("body", "", "review body (first line must be the VERDICT line)")
	bodyFile := fs.String("body-file", "", "read the review body from a file instead")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *repo == "" || *pr <= 0 || *reviewer == "" {
		return printErrEnvelope(
			errcode.New(errcode.InvalidInput, "--repo, --pr, and --reviewer are required", false),
			errcode.InvalidInput)
	}

	text := *body
	if *bodyFile != "" {
		data, err := os.ReadFile(*bodyFile)
		if err != nil {
			return printErrEnvelope(
				errcode.Newf(errcode.InvalidInput, false, "reading body file: %v", err),
				errcode.InvalidInput)
		}
		text = string(data)
	}

	store, err := credentials.Load(credentials.DefaultDir())
	if err != nil {
		return printErrEnvelope(err, errcode.ConfigError)
	}
	profile, err := store.ForAgent(*reviewer)
	if err != nil {
		return printErrEnvelope(err, errcode.ConfigError)
	}
	gh, err := githubClientFor(profile)
	if err != nil {
		return printErrEnvelope(err, errcode.ConfigError)
	}

	ctx, cancel := githubCtx()
	defer cancel()

	if err := gh.SubmitReview(ctx, *repo, *pr, strings.ToLower(*verdict), text); err != nil {
		code := errcode.Upstream
		if strings.Contains(err.Error(), "VERDICT") || strings.Contains(err.Error(), "verdict") {
			code = errcode.InvalidInput
		}
		return printErrEnvelope(err, code)
	}
	return printJSON(map[string]any{"status": "submitted", "verdict": strings.ToLower(*verdict)})
}

// Merge merges one pull request with the given strategy under the
// controller's credentials.
func Merge(args []string) error {
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	repo := fs.String("repo", "", "target repo (owner/name)")
	pr := fs.Int("pr", 0, "pull request number")
	strategy := fs.String("strategy", config.DefaultMergeStrategy, "merge, squash, or rebase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *repo == "" || *pr <= 0 {
		return printErrEnvelope(
			errcode.New(errcode.InvalidInput, "--repo and --pr are required", false),
			errcode.InvalidInput)
	}

	gh, err := defaultGithubClient()
	if err != nil {
		return printErrEnvelope(err, errcode.ConfigError)
	}

	ctx, cancel := githubCtx()
	defer cancel()

	if err := gh.MergePR(ctx, *repo, *pr, *strategy); err != nil {
		return printErrEnvelope(err, errcode.Upstream)
	}
	return printJSON(map[string]any{"success": true, "pr": fmt.Sprintf("%s#%d", *repo, *pr)})
}

func githubCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), config.DefaultGithubTimeout)
}
