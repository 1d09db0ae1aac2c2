// Package prompt builds the task text handed to spawned agents. Each
// builder produces a self-contained instruction block for one work unit;
// the gateway and the agent runtime treat it as opaque text.
package prompt

import (
	"fmt"
	"strings"
)

// Dev returns the task for implementing an open issue end to end: branch,
// implement, test, push, and open a PR that closes the issue.
func Dev(repo string, issueNumber int) string {
	return fmt.Sprintf(`Implement issue #%[2]d in %[1]s.

1. Read the issue: gh issue view %[2]d --repo %[1]s
2. Create branch: git checkout -b feature/issue-%[2]d origin/main
3. Implement the fix/feature
4. Run tests to verify
5. Commit and push to origin
6. Open PR using: prflow submit-pr --repo %[1]s --head <branch> --base main --title "..." --body "Fixes #%[2]d"

Return the PR URL when done.
`, repo, issueNumber)
}

// Review returns the task for reviewing a PR as a specific reviewer
// identity. The agent must submit its verdict through the review tool,
// never through gh directly.
func Review(reviewerID, repo string, prNumber int, branch string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are reviewer agent %q for PR #%d in %s.\n", reviewerID, prNumber, repo)
	if branch != "" {
		fmt.Fprintf(&b, "The PR is on branch: %s\n", branch)
	}
	fmt.Fprintf(&b, `
Your job is ONLY:
1) Determine review outcome.
2) Submit it via prflow submit-pr-review.

Process:
- Review the PR and decide verdict: "approve" or "request_changes".
- Write concise, actionable review text in the body.
- Call prflow submit-pr-review with:
 - --repo %[1]q
 - --pr %[2]d
 - --reviewer %[3]q
 - --verdict <approve|request_changes>
 - --body <review comments>

Output rules:
- If submit-pr-review succeeds, reply exactly valid JSON:
 {"status":"submitted","verdict":"approve|request_changes"}
- If submit-pr-review fails, reply exactly valid JSON:
 {"status":"failed","error":"<tool error>"}

Constraints:
- Do NOT fetch queue items.
- Do NOT spawn other agents.
- Do NOT mark dispatched.
- Do NOT send summary messages.
- Do NOT use gh pr review directly.`, repo, prNumber, reviewerID)
	return b.String()
}

// Fix returns the task for addressing requested changes on a PR, pinned to
// the PR's existing branch.
func Fix(repo string, prNumber int, branch string) string {
	return fmt.Sprintf(`You are tasked with fixing PR #%[2]d in %[1]s.
The PR is on branch: %[3]s

CRITICAL: Before making any changes, you MUST:
1. Read the PR comments and review feedback using `+"`gh pr view %[2]d --comments`"+` or `+"`gh api repos/%[1]s/pulls/%[2]d/comments`"+`
2. Read the latest review that requested changes
3. Understand exactly what fixes are being requested
4. Make THOSE specific fixes, not other changes

The reviewer is requesting changes. Address their specific concerns. Do NOT add unrelated tests or features.

You must commit code changes to THIS EXACT BRANCH: %[3]s
Do NOT open a new pull request.
`, repo, prNumber, branch)
}

// Conflict returns the task for resolving merge conflicts on a PR branch.
func Conflict(repo string, prNumber int, branch string) string {
	return fmt.Sprintf(`Fix merge conflicts in PR #%[2]d in %[1]s.

The PR is on branch: %[3]s

STEP 1 - ASSESS THE CONFLICTS:
Run: git status
Identify all files with merge conflicts.

STEP 2 - UNDERSTAND THE CHANGES:
For each conflicted file:
- View the conflict markers to see what changed
- Understand what both sides were trying to do
- git log --oneline origin/main..HEAD (to see your branch's commits)
- git log --oneline HEAD..origin/main (to see what main added)

STEP 3 - RESOLVE CONFLICTS:
- Edit each conflicted file to resolve conflicts logically
- Do NOT just pick "ours" or "theirs" blindly
- Ensure the code still makes sense after resolution
- Remove all conflict markers (<<<<<<<, =======, >>>>>>>)

STEP 4 - VALIDATE:
- Stage resolved files: git add <files>
- Commit the merge: git commit (accept default message)
- Push to branch: git push origin %[3]s
- Run tests if available to ensure resolution didn't break anything

You must commit to THIS EXACT BRANCH: %[3]s
Do NOT open a new pull request.
`, repo, prNumber, branch)
}

// StatusFix returns the task for repairing failing required checks on a PR
// that already has its approvals.
func StatusFix(repo string, prNumber int, branch string) string {
	return fmt.Sprintf(`Fix the failing status checks on PR #%[2]d in %[1]s.

The PR is on branch: %[3]s
The PR is approved; only its required checks are failing.

1. Inspect the failing checks: gh pr checks %[2]d --repo %[1]s
2. Read the logs of each failing check and find the root cause
3. Fix the underlying problem (do NOT disable or skip checks)
4. Run the equivalent checks locally where possible
5. Commit and push to origin %[3]s

You must commit to THIS EXACT BRANCH: %[3]s
Do NOT open a new pull request.
`, repo, prNumber, branch)
}

var (
	frontendTerms = []string{"frontend", "ui", "ux", "react", "css", "tailwind", "nextjs", "next.js"}
	backendTerms  = []string{"backend", "api", "db", "database", "sql", "postgres", "migration", "fastapi", "django"}
)

// SuggestAgent picks a dev persona from the work item's title and labels.
// It is a heuristic hint, not an assignment; callers fall back to
// defaultAgent when nothing matches.
func SuggestAgent(title string, labels []string, defaultAgent string) string {
	text := strings.ToLower(title + " " + strings.Join(labels, " "))
	for _, t := range frontendTerms {
		if strings.Contains(text, t) {
			return "frontend-dev"
		}
	}
	for _, t := range backendTerms {
		if strings.Contains(text, t) {
			return "backend-dev"
		}
	}
	return defaultAgent
}
