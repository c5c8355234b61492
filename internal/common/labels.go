package common

import (
	"strings"
)

const (
	LabelCustomPrefix = "theia-cloud.io"

	LabelComponent      = "app.kubernetes.io/component"
	LabelComponentValue = "session"
	LabelPartOf         = "app.kubernetes.io/part-of"
	LabelPartOfValue    = "theia-cloud"

	LabelUser          = LabelCustomPrefix + "/user"
	LabelAppDefinition = LabelCustomPrefix + "/app-definition"
	LabelSession       = LabelCustomPrefix + "/session"
	LabelSessionUUID   = LabelCustomPrefix + "/session-uuid"

	// LabelConfigRole tells the two ConfigMaps of one pooled instance apart.
	LabelConfigRole  = LabelCustomPrefix + "/config-role"
	ConfigRoleProxy  = "proxy"
	ConfigRoleEmails = "emails"

	maxLabelLength = 63
)

// SessionLabels builds the labels stamped on every object a session claims or owns.
func SessionLabels(user, appDefinition, sessionName, sessionUID string) map[string]string {
	return map[string]string{
		LabelComponent:     LabelComponentValue,
		LabelPartOf:        LabelPartOfValue,
		LabelUser:          SanitizeUserLabel(user),
		LabelAppDefinition: SanitizeLabelValue(appDefinition),
		LabelSession:       SanitizeLabelValue(sessionName),
		LabelSessionUUID:   SanitizeLabelValue(sessionUID),
	}
}

// SessionSpecificLabelKeys are removed again when a pooled slot is released.
func SessionSpecificLabelKeys() []string {
	return []string{LabelSession, LabelSessionUUID, LabelUser}
}

// SanitizeUserLabel turns an identity such as an email into a label value.
// "@" becomes "_at_", every other non-alphanumeric rune becomes "_".
func SanitizeUserLabel(user string) string {
	s := strings.ReplaceAll(user, "@", "_at_")
	s = strings.Map(func(r rune) rune {
		if isAlphaNum(r) {
			return r
		}
		return '_'
	}, s)
	return SanitizeLabelValue(s)
}

// SanitizeLabelValue makes value a valid label value: at most 63 chars, alphanumeric at both ends,
// only alphanumerics, '-', '_' and '.' in between.
func SanitizeLabelValue(value string) string {
	if len(value) == 0 {
		return "unknown"
	}

	safe := strings.Map(func(r rune) rune {
		if isAlphaNum(r) || r == '-' || r == '_' || r == '.' {
			return r
		}
		return '-'
	}, value)

	safe = strings.Trim(safe, "-_.")
	if len(safe) == 0 {
		return "unknown"
	}

	if len(safe) > maxLabelLength {
		safe = strings.TrimRight(safe[:maxLabelLength-3], "-_.") + K8sHexHash(value, 1)
	}
	return safe
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}
