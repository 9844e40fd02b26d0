package triage

import (
	"strconv"
	"strings"

	"github.com/opscart/k8s-rollout-sentinel/pkg/models"
)

// Team is the routing target for a finished diagnosis.
type Team string

const (
	TeamSecurity    Team = "security"
	TeamInfra       Team = "infra"
	TeamApplication Team = "application"
)

// Keyword lists are checked in a fixed precedence: security beats
// infra, infra beats application. The first matching keyword wins.
var (
	securityKeywords = []string{
		"forbidden",
		"unauthorized",
		"permission denied",
		"access denied",
		"rbac",
		"certificate",
		"tls",
		"x509",
		"secret",
		"token",
		"serviceaccount",
		"securitycontext",
		"privileged",
	}
	infraKeywords = []string{
		"failedscheduling",
		"failed scheduling",
		"insufficient",
		"taint",
		"toleration",
		"imagepullbackoff",
		"errimagepull",
		"image pull",
		"registry",
		"node not ready",
		"disk pressure",
		"volume",
		"persistentvolume",
		"storage",
		"dns",
		"network unreachable",
		"connection refused",
		"evicted",
		"quota",
	}
)

// Result pairs the routed team with the keyword that decided it.
type Result struct {
	Team   Team
	Reason string
}

// Classify routes a diagnosis by scanning its text fields for known
// keywords, case-insensitively. Security findings take precedence over
// infrastructure findings, which take precedence over the application
// fallback. Inputs that match nothing route to the application team.
func Classify(diag *models.Diagnosis) Result {
	text := strings.ToLower(strings.Join(append([]string{
		diag.Summary,
		diag.LikelyCause,
	}, diag.RecommendedSteps...), "\n"))

	if kw, ok := firstMatch(text, securityKeywords); ok {
		return Result{Team: TeamSecurity, Reason: "matched security keyword " + strconv.Quote(kw)}
	}
	if kw, ok := firstMatch(text, infraKeywords); ok {
		return Result{Team: TeamInfra, Reason: "matched infrastructure keyword " + strconv.Quote(kw)}
	}
	return Result{Team: TeamApplication, Reason: "no security or infrastructure keywords matched"}
}

func firstMatch(text string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return kw, true
		}
	}
	return "", false
}
