package server

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ShayCichocki/trunkline/internal/bus"
	"github.com/ShayCichocki/trunkline/internal/config"
)

// issueBranch extracts the issue number from issue/<n> branch names.
var issueBranch = regexp.MustCompile(`^issue/(\d+)`)

// SessionLookup maps an inbound PR or branch to a session id. An empty
// return falls back to the branch name as the event key.
type SessionLookup func(prNumber int, branch string) string

// Translator converts VCS webhook payloads into internal events.
type Translator struct {
	cfg    *config.Config
	lookup SessionLookup
}

// NewTranslator creates a translator. lookup may be nil.
func NewTranslator(cfg *config.Config, lookup SessionLookup) *Translator {
	return &Translator{cfg: cfg, lookup: lookup}
}

// githubPayload covers the fields the translator reads from GitHub webhook
// bodies. Everything else is ignored.
type githubPayload struct {
	Action      string `json:"action"`
	PullRequest struct {
		Number         int    `json:"number"`
		HTMLURL        string `json:"html_url"`
		Merged         bool   `json:"merged"`
		MergeCommitSHA string `json:"merge_commit_sha"`
		Head           struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
	Review struct {
		State string `json:"state"`
	} `json:"review"`
	CheckSuite struct {
		Conclusion string `json:"conclusion"`
		HeadBranch string `json:"head_branch"`
		HeadSHA    string `json:"head_sha"`
	} `json:"check_suite"`
}

// Translate converts one webhook delivery into zero or more internal events.
// An empty slice with a nil error means the event type is not interesting.
func (t *Translator) Translate(eventName string, body []byte) ([]bus.Event, error) {
	var p githubPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("parse webhook payload: %w", err)
	}

	switch eventName {
	case "pull_request":
		return t.pullRequest(p), nil
	case "pull_request_review":
		return t.pullRequestReview(p), nil
	case "check_suite":
		return t.checkSuite(p), nil
	}
	return nil, nil
}

func (t *Translator) pullRequest(p githubPayload) []bus.Event {
	branch := p.PullRequest.Head.Ref
	switch p.Action {
	case "opened", "synchronize":
		data := map[string]any{
			"branch":      branch,
			"prNumber":    p.PullRequest.Number,
			"pr_url":      p.PullRequest.HTMLURL,
			"projectPath": t.cfg.ProjectPath,
		}
		if n, ok := issueNumber(branch); ok {
			data["issueNumber"] = n
		}
		return []bus.Event{{
			Type:      bus.EventSessionReviewRequested,
			RequestID: t.sessionID(p.PullRequest.Number, branch),
			Data:      data,
		}}

	case "closed":
		prefix := t.cfg.Branch.IntegrationPrefix
		if !p.PullRequest.Merged || !strings.HasPrefix(branch, prefix) {
			return nil
		}
		feature := strings.TrimPrefix(branch, prefix)
		return []bus.Event{{
			Type:      bus.EventIntegrationPRMerged,
			RequestID: t.sessionID(p.PullRequest.Number, feature),
			Data: map[string]any{
				"branch":             feature,
				"integration_branch": branch,
				"pipeline_branch":    t.cfg.PipelineBranchFor(feature),
				"merge_commit_sha":   p.PullRequest.MergeCommitSHA,
				"pr_number":          p.PullRequest.Number,
				"pr_url":             p.PullRequest.HTMLURL,
			},
		}}
	}
	return nil
}

func (t *Translator) pullRequestReview(p githubPayload) []bus.Event {
	branch := p.PullRequest.Head.Ref
	id := t.sessionID(p.PullRequest.Number, branch)

	switch p.Review.State {
	case "approved":
		return []bus.Event{
			{
				Type:      bus.EventSessionReviewRequested,
				RequestID: id,
				Data: map[string]any{
					"branch":   branch,
					"prNumber": p.PullRequest.Number,
					"approved": true,
				},
			},
			{
				Type:      bus.EventPRApproved,
				RequestID: id,
				Data:      map[string]any{"prNumber": p.PullRequest.Number},
			},
		}
	case "changes_requested":
		return []bus.Event{{
			Type:      bus.EventSessionChangesRequested,
			RequestID: id,
			Data: map[string]any{
				"branch":   branch,
				"prNumber": p.PullRequest.Number,
			},
		}}
	}
	return nil
}

func (t *Translator) checkSuite(p githubPayload) []bus.Event {
	branch := p.CheckSuite.HeadBranch
	data := map[string]any{
		"branch":     branch,
		"sha":        p.CheckSuite.HeadSHA,
		"conclusion": p.CheckSuite.Conclusion,
	}
	if n, ok := issueNumber(branch); ok {
		data["issueNumber"] = n
	}
	id := t.sessionID(0, branch)

	switch p.CheckSuite.Conclusion {
	case "success":
		return []bus.Event{{Type: bus.EventSessionCIPassed, RequestID: id, Data: data}}
	case "failure", "timed_out":
		return []bus.Event{{Type: bus.EventSessionCIFailed, RequestID: id, Data: data}}
	}
	return nil
}

func (t *Translator) sessionID(prNumber int, branch string) string {
	if t.lookup != nil {
		if id := t.lookup(prNumber, branch); id != "" {
			return id
		}
	}
	return branch
}

func issueNumber(branch string) (int, bool) {
	m := issueBranch.FindStringSubmatch(branch)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
