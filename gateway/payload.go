package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/go-github/github"

	"buildhook/shared/model"
)

const zeroSHA = "0000000000000000000000000000000000000000"

// Payload is what a push or pull request delivery says about the commit to
// build.
type Payload struct {
	RepositoryID  string
	Branch        string
	CommitSHA     string
	CommitMessage string
	Author        string
	Sender        string
	PullRequest   *model.PullRequest
	// Skip is set when the delivery is valid but must not build, e.g. a
	// branch deletion.
	Skip string
}

func (p *Payload) Trigger(eventType string) model.Trigger {
	t := model.Trigger{
		Type:          model.TriggerWebhook,
		EventType:     eventType,
		Sender:        p.Sender,
		CommitSHA:     p.CommitSHA,
		CommitMessage: p.CommitMessage,
		Author:        p.Author,
		Branch:        p.Branch,
	}
	if p.PullRequest != nil {
		pr := *p.PullRequest
		t.PullRequest = &pr
	}
	return t
}

func (p *Payload) validate() error {
	if p.RepositoryID == "" {
		return errors.New("payload has no repository")
	}
	return nil
}

func branchFromRef(ref string) (string, bool) {
	return strings.CutPrefix(ref, "refs/heads/")
}

func buildsOnAction(action string, actions ...string) bool {
	for _, a := range actions {
		if a == action {
			return true
		}
	}
	return false
}

func parseGitHub(eventType string, kind model.EventKind, body []byte) (*Payload, error) {
	ev, err := github.ParseWebHook(eventType, body)
	if err != nil {
		return nil, err
	}

	switch e := ev.(type) {
	case *github.PushEvent:
		p := &Payload{
			RepositoryID:  e.GetRepo().GetFullName(),
			CommitSHA:     e.GetAfter(),
			CommitMessage: e.GetHeadCommit().GetMessage(),
			Author:        e.GetHeadCommit().GetAuthor().GetName(),
			Sender:        e.GetSender().GetLogin(),
		}
		branch, ok := branchFromRef(e.GetRef())
		p.Branch = branch
		switch {
		case !ok:
			p.Skip = "not a branch push: " + e.GetRef()
		case e.GetDeleted() || p.CommitSHA == zeroSHA:
			p.Skip = "branch deleted"
		}
		return p, nil

	case *github.PullRequestEvent:
		pr := e.GetPullRequest()
		p := &Payload{
			RepositoryID: e.GetRepo().GetFullName(),
			Branch:       pr.GetHead().GetRef(),
			CommitSHA:    pr.GetHead().GetSHA(),
			Author:       pr.GetUser().GetLogin(),
			Sender:       e.GetSender().GetLogin(),
			PullRequest: &model.PullRequest{
				Number:       e.GetNumber(),
				Title:        pr.GetTitle(),
				SourceBranch: pr.GetHead().GetRef(),
				TargetBranch: pr.GetBase().GetRef(),
				Author:       pr.GetUser().GetLogin(),
			},
		}
		if !buildsOnAction(e.GetAction(), "opened", "synchronize", "reopened") {
			p.Skip = "pull request " + e.GetAction()
		}
		return p, nil
	}
	return nil, fmt.Errorf("unexpected %s payload", eventType)
}

type gitlabProject struct {
	PathWithNamespace string `json:"path_with_namespace"`
}

type gitlabCommit struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Author  struct {
		Name string `json:"name"`
	} `json:"author"`
}

type gitlabPush struct {
	Ref         string         `json:"ref"`
	After       string         `json:"after"`
	CheckoutSHA string         `json:"checkout_sha"`
	UserName    string         `json:"user_username"`
	Project     gitlabProject  `json:"project"`
	Commits     []gitlabCommit `json:"commits"`
}

type gitlabMergeRequest struct {
	User struct {
		Username string `json:"username"`
	} `json:"user"`
	Project          gitlabProject `json:"project"`
	ObjectAttributes struct {
		IID          int          `json:"iid"`
		Title        string       `json:"title"`
		SourceBranch string       `json:"source_branch"`
		TargetBranch string       `json:"target_branch"`
		Action       string       `json:"action"`
		LastCommit   gitlabCommit `json:"last_commit"`
	} `json:"object_attributes"`
}

func parseGitLab(_ string, kind model.EventKind, body []byte) (*Payload, error) {
	if kind == model.EventPullRequest {
		var mr gitlabMergeRequest
		if err := json.Unmarshal(body, &mr); err != nil {
			return nil, err
		}
		a := mr.ObjectAttributes
		p := &Payload{
			RepositoryID:  mr.Project.PathWithNamespace,
			Branch:        a.SourceBranch,
			CommitSHA:     a.LastCommit.ID,
			CommitMessage: a.LastCommit.Message,
			Author:        a.LastCommit.Author.Name,
			Sender:        mr.User.Username,
			PullRequest: &model.PullRequest{
				Number:       a.IID,
				Title:        a.Title,
				SourceBranch: a.SourceBranch,
				TargetBranch: a.TargetBranch,
				Author:       mr.User.Username,
			},
		}
		if !buildsOnAction(a.Action, "open", "reopen", "update") {
			p.Skip = "merge request " + a.Action
		}
		return p, nil
	}

	var push gitlabPush
	if err := json.Unmarshal(body, &push); err != nil {
		return nil, err
	}
	sha := push.CheckoutSHA
	if sha == "" {
		sha = push.After
	}
	p := &Payload{
		RepositoryID: push.Project.PathWithNamespace,
		CommitSHA:    sha,
		Sender:       push.UserName,
	}
	for _, c := range push.Commits {
		if c.ID == sha {
			p.CommitMessage = c.Message
			p.Author = c.Author.Name
		}
	}
	branch, ok := branchFromRef(push.Ref)
	p.Branch = branch
	switch {
	case !ok:
		p.Skip = "not a branch push: " + push.Ref
	case sha == "" || sha == zeroSHA:
		p.Skip = "branch deleted"
	}
	return p, nil
}

type bitbucketRepository struct {
	FullName string `json:"full_name"`
}

type bitbucketActor struct {
	DisplayName string `json:"display_name"`
	Nickname    string `json:"nickname"`
}

type bitbucketCommit struct {
	Hash    string `json:"hash"`
	Message string `json:"message"`
	Author  struct {
		Raw string `json:"raw"`
	} `json:"author"`
}

type bitbucketPush struct {
	Actor      bitbucketActor      `json:"actor"`
	Repository bitbucketRepository `json:"repository"`
	Push       struct {
		Changes []struct {
			New *struct {
				Type   string          `json:"type"`
				Name   string          `json:"name"`
				Target bitbucketCommit `json:"target"`
			} `json:"new"`
		} `json:"changes"`
	} `json:"push"`
}

type bitbucketPullRequest struct {
	Actor       bitbucketActor      `json:"actor"`
	Repository  bitbucketRepository `json:"repository"`
	PullRequest struct {
		ID     int            `json:"id"`
		Title  string         `json:"title"`
		Author bitbucketActor `json:"author"`
		Source struct {
			Branch struct {
				Name string `json:"name"`
			} `json:"branch"`
			Commit bitbucketCommit `json:"commit"`
		} `json:"source"`
		Destination struct {
			Branch struct {
				Name string `json:"name"`
			} `json:"branch"`
		} `json:"destination"`
	} `json:"pullrequest"`
}

func parseBitbucket(eventType string, kind model.EventKind, body []byte) (*Payload, error) {
	if kind == model.EventPullRequest {
		var pr bitbucketPullRequest
		if err := json.Unmarshal(body, &pr); err != nil {
			return nil, err
		}
		src := pr.PullRequest.Source
		p := &Payload{
			RepositoryID:  pr.Repository.FullName,
			Branch:        src.Branch.Name,
			CommitSHA:     src.Commit.Hash,
			CommitMessage: src.Commit.Message,
			Author:        pr.PullRequest.Author.DisplayName,
			Sender:        pr.Actor.Nickname,
			PullRequest: &model.PullRequest{
				Number:       pr.PullRequest.ID,
				Title:        pr.PullRequest.Title,
				SourceBranch: src.Branch.Name,
				TargetBranch: pr.PullRequest.Destination.Branch.Name,
				Author:       pr.PullRequest.Author.DisplayName,
			},
		}
		if !buildsOnAction(eventType, "pullrequest:created", "pullrequest:updated") {
			p.Skip = "pull request event " + eventType
		}
		return p, nil
	}

	var push bitbucketPush
	if err := json.Unmarshal(body, &push); err != nil {
		return nil, err
	}
	p := &Payload{
		RepositoryID: push.Repository.FullName,
		Sender:       push.Actor.Nickname,
	}
	if len(push.Push.Changes) == 0 {
		p.Skip = "push without changes"
		return p, nil
	}
	// the last change is the newest ref state
	change := push.Push.Changes[len(push.Push.Changes)-1]
	switch {
	case change.New == nil:
		p.Skip = "branch deleted"
	case change.New.Type != "branch":
		p.Skip = "not a branch push: " + change.New.Type
	default:
		p.Branch = change.New.Name
		p.CommitSHA = change.New.Target.Hash
		p.CommitMessage = change.New.Target.Message
		p.Author = change.New.Target.Author.Raw
	}
	return p, nil
}
