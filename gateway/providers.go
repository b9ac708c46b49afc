package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"buildhook/shared/model"
)

var (
	errMissingSignature = errors.New("missing signature")
	errBadSignature     = errors.New("signature mismatch")
)

// provider describes how a source host labels and signs its deliveries.
type provider struct {
	eventHeader     string
	deliveryHeader  string
	signatureHeader string
	// sharedToken providers send the secret itself instead of an HMAC.
	sharedToken bool
	classify    func(eventType string) model.EventKind
	parse       func(eventType string, kind model.EventKind, body []byte) (*Payload, error)
}

var providers = map[model.Provider]provider{
	model.ProviderGitHub: {
		eventHeader:     "X-GitHub-Event",
		deliveryHeader:  "X-GitHub-Delivery",
		signatureHeader: "X-Hub-Signature-256",
		classify:        classifyGitHub,
		parse:           parseGitHub,
	},
	model.ProviderGitLab: {
		eventHeader:     "X-Gitlab-Event",
		deliveryHeader:  "X-Gitlab-Event-UUID",
		signatureHeader: "X-Gitlab-Token",
		sharedToken:     true,
		classify:        classifyGitLab,
		parse:           parseGitLab,
	},
	model.ProviderBitbucket: {
		eventHeader:     "X-Event-Key",
		deliveryHeader:  "X-Request-UUID",
		signatureHeader: "X-Hub-Signature",
		classify:        classifyBitbucket,
		parse:           parseBitbucket,
	},
}

func (p provider) verify(h http.Header, body []byte, secret string) error {
	got := h.Get(p.signatureHeader)
	if got == "" {
		return errMissingSignature
	}
	if p.sharedToken {
		if !hmac.Equal([]byte(got), []byte(secret)) {
			return errBadSignature
		}
		return nil
	}

	hexSig, ok := strings.CutPrefix(got, "sha256=")
	if !ok {
		return errBadSignature
	}
	want, err := hex.DecodeString(hexSig)
	if err != nil {
		return errBadSignature
	}
	if !hmac.Equal(want, Sign(body, secret)) {
		return errBadSignature
	}
	return nil
}

// Sign returns the HMAC-SHA256 of body, the raw form of a sha256= signature.
func Sign(body []byte, secret string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}

func classifyGitHub(t string) model.EventKind {
	switch t {
	case "push":
		return model.EventPush
	case "pull_request":
		return model.EventPullRequest
	case "ping":
		return model.EventPing
	}
	return model.EventUnknown
}

func classifyGitLab(t string) model.EventKind {
	switch t {
	case "Push Hook":
		return model.EventPush
	case "Merge Request Hook":
		return model.EventPullRequest
	}
	return model.EventUnknown
}

func classifyBitbucket(t string) model.EventKind {
	switch {
	case t == "repo:push":
		return model.EventPush
	case strings.HasPrefix(t, "pullrequest:"):
		return model.EventPullRequest
	case t == "diagnostics:ping":
		return model.EventPing
	}
	return model.EventUnknown
}
