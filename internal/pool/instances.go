// Package pool manages the numbered instances an AppDefinition keeps ready in eager mode: which
// numbers are missing, which Service a session gets, and how a slot is given back.
//
// A pooled object is free while its only owner reference is the AppDefinition. A session claims it
// by adding a second owner reference and gives it back by removing that reference again.
package pool

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Name suffixes of pooled objects.
const (
	SuffixService     = "service"
	SuffixDeployment  = "deployment"
	SuffixConfig      = "config"
	SuffixEmailConfig = "emailconfig"
)

// Name returns the name of instance n of kind suffix, e.g. "editor-service-1".
func Name(appName, suffix string, n int) string {
	return fmt.Sprintf("%s-%s-%d", appName, suffix, n)
}

// InstanceNumber parses the number after the last "-" of name.
func InstanceNumber(name string) (int, error) {
	i := strings.LastIndex(name, "-")
	if i < 0 || i == len(name)-1 {
		return 0, fmt.Errorf("%q has no instance number", name)
	}
	n, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return 0, fmt.Errorf("%q has no instance number: %w", name, err)
	}
	return n, nil
}

// ComputeMissing returns, ascending, the numbers in 1..n that no name in existing carries.
// Names without a parsable number occupy no slot.
func ComputeMissing(ctx context.Context, n int, existing []string) []int {
	logger := log.FromContext(ctx)
	taken := make(map[int]struct{}, len(existing))
	for _, name := range existing {
		num, err := InstanceNumber(name)
		if err != nil {
			logger.Error(err, "Ignoring object with malformed name")
			continue
		}
		taken[num] = struct{}{}
	}
	var missing []int
	for i := 1; i <= n; i++ {
		if _, ok := taken[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// sortByInstance orders names by their instance number. Unparsable names sort last.
func sortByInstance[T any](items []T, name func(T) string) {
	num := func(t T) int {
		n, err := InstanceNumber(name(t))
		if err != nil {
			return math.MaxInt
		}
		return n
	}
	sort.SliceStable(items, func(i, j int) bool { return num(items[i]) < num(items[j]) })
}
