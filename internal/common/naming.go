package common

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

const (
	// ValidNameLimit keeps generated names below the 63 char limit of DNS labels.
	ValidNameLimit = 62

	sessionSuffix   = "-session"
	storageSuffix   = "-pvc"
	workspacePrefix = "ws-"

	workspaceNameLimit = ValidNameLimit - len(sessionSuffix)
)

// AsValidName turns text into a valid Kubernetes object name: invalid characters become '-',
// a non-letter start is prefixed with 'a', the result is cut to limit, a trailing non-alphanumeric
// is replaced with 'z' and everything is lower-cased.
func AsValidName(text string, limit int) string {
	if text == "" {
		return text
	}
	valid := []rune(strings.Map(func(r rune) rune {
		if isAlphaNum(r) || r == '-' {
			return r
		}
		return '-'
	}, text))

	if !unicode.IsLetter(valid[0]) {
		valid = append([]rune{'a'}, valid...)
	}
	if len(valid) > limit {
		valid = valid[:limit]
	}
	if last := valid[len(valid)-1]; !isAlphaNum(last) {
		valid[len(valid)-1] = 'z'
	}
	return strings.ToLower(string(valid))
}

// CreateName derives the name of an object dedicated to one owner.
// The owner uid keeps names unique, identifier names the kind of object.
func CreateName(uid, identifier, info string) string {
	return AsValidName(strings.Join([]string{uid, identifier, info}, "-"), ValidNameLimit)
}

// SessionNameForWorkspace is the name of the single session a workspace may run.
func SessionNameForWorkspace(workspace string) string {
	return workspace + sessionSuffix
}

// StorageName is the name of the claim backing a workspace.
func StorageName(workspace string) string {
	return AsValidName(workspace+storageSuffix, ValidNameLimit)
}

// UniqueWorkspaceName generates a workspace name that is unique per call.
func UniqueWorkspaceName(user, appDefinition string, now time.Time) string {
	raw := fmt.Sprintf("%s%d%s-%s", workspacePrefix, now.UnixMilli(), workspaceDescription(appDefinition), user)
	return AsValidName(strings.ToLower(raw), workspaceNameLimit)
}

// EphemeralSessionName is the name used for a session launched without a workspace.
func EphemeralSessionName(user, appDefinition string, now time.Time) string {
	return SessionNameForWorkspace(UniqueWorkspaceName(user, appDefinition, now))
}

// WorkspaceLabel is the human readable label of a generated workspace.
func WorkspaceLabel(user, appDefinition string) string {
	return workspaceDescription(appDefinition) + " of " + user
}

func workspaceDescription(appDefinition string) string {
	if strings.TrimSpace(appDefinition) == "" {
		return "Workspace"
	}
	return appDefinition
}
