package commands

import (
	"flag"

	"github.com/miller46/prflow/internal/prflow/engine"
	"github.com/miller46/prflow/internal/prflow/errcode"
	"github.com/miller46/prflow/internal/prflow/queue"
)

// GetOpenPRs prints one PR action queue as a JSON envelope.
func GetOpenPRs(args []string) error {
	fs := flag.NewFlagSet("get-open-prs", flag.ExitOnError)
	configFlag := addConfigFlag(fs)
	action := fs.String("action", "", "queue to read: needs_review|needs_fix|needs_conflict_resolution|needs_status_fix|ready_to_merge|max_iterations_reached")
	repos := fs.String("repos", "", "comma-separated repo allowlist (exact names or glob patterns)")
	limit := fs.Int("limit", 0, "maximum items to return")
	includeDispatched := fs.Bool("include-dispatched", false, "include items already dispatched at the current head")
	includeClaimed := fs.Bool("include-claimed", false, "include items with an unexpired claim")
	noMeta := fs.Bool("no-meta", false, "omit per-item meta and dispatch state")
	suggestAgent := fs.Bool("suggest-agent", false, "include the suggested dev agent for every item")
	if err := fs.Parse(args); err != nil {
		return err
	}

	in := queue.Input{
		Action: engine.Action(*action),
		Repos:  splitList(*repos),
		Limit:  *limit,
	}
	if *includeDispatched {
		in.ExcludeAlreadyDispatched = boolPtr(false)
	}
	if *includeClaimed {
		in.ExcludeClaimed = boolPtr(false)
	}
	if *noMeta {
		in.IncludeMeta = boolPtr(false)
	}
	if *suggestAgent {
		in.IncludeSuggestedDevAgent = boolPtr(true)
	}

	return runQuery(*configFlag, in)
}

// GetOpenIssues prints the needs_dev issue queue as a JSON envelope.
func GetOpenIssues(args []string) error {
	fs := flag.NewFlagSet("get-open-issues", flag.ExitOnError)
	configFlag := addConfigFlag(fs)
	repos := fs.String("repos", "", "comma-separated repo allowlist (exact names or glob patterns)")
	limit := fs.Int("limit", 0, "maximum items to return")
	includeClaimed := fs.Bool("include-claimed", false, "include issues with an unexpired claim")
	if err := fs.Parse(args); err != nil {
		return err
	}

	in := queue.Input{
		Action: engine.ActionNeedsDev,
		Repos:  splitList(*repos),
		Limit:  *limit,
	}
	if *includeClaimed {
		in.ExcludeClaimed = boolPtr(false)
	}

	return runQuery(*configFlag, in)
}

func runQuery(configPath string, in queue.Input) error {
	cfg, database, err := setup(configPath)
	if err != nil {
		return printErrEnvelope(err, errcode.ConfigError)
	}
	defer database.Close()

	res, err := queue.New(database, cfg).Query(in)
	if err != nil {
		return printErrEnvelope(err, errcode.DBQueryFailed)
	}
	return printJSON(res)
}

func boolPtr(b bool) *bool { return &b }
