// Package planner is the Anastasis policy planner (spec §4.H): given a
// list of authentication methods and a catalog of eligible providers,
// it enumerates candidate k-of-n policies and picks a diverse,
// low-cost subset of them for the user to review.
package planner

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/anastasis-go/anastasis/internal/model"
)

const maxEvaluations = 16384

// QuorumSize implements spec §4.H step 1.
func QuorumSize(m int) int {
	switch {
	case m <= 2:
		return m
	case m <= 4:
		return m - 1
	case m <= 6:
		return m - 2
	case m == 7:
		return m - 3
	default:
		return 4
	}
}

// selection is one candidate assignment of providers to the k slots
// of a fixed subset of methods.
type selection struct {
	subset    []int
	providers []string
	diversity int
}

// Plan implements spec §4.H steps 2-8. methods is M[0..m), catalog is
// restricted ahead of time to currency-matching, up providers.
func Plan(methods []model.AuthMethod, catalog []model.ProviderConfig) []model.PolicySuggestion {
	m := len(methods)
	if m == 0 {
		return nil
	}
	k := QuorumSize(m)
	if k == 0 {
		return nil
	}

	evaluations := 0
	var best []selection

	var subset []int
	var enumerateSubsets func(start int)
	enumerateSubsets = func(start int) {
		if len(subset) == k {
			best = append(best, bestSelectionsForSubset(append([]int(nil), subset...), methods, catalog, &evaluations)...)
			return
		}
		for i := start; i < m && evaluations < maxEvaluations; i++ {
			subset = append(subset, i)
			enumerateSubsets(i + 1)
			subset = subset[:len(subset)-1]
		}
	}
	enumerateSubsets(0)

	chosen := chooseCrossSubset(best, catalog)
	out := make([]model.PolicySuggestion, 0, len(chosen))
	for _, sel := range chosen {
		ps := model.PolicySuggestion{}
		for i, methodIdx := range sel.subset {
			ps.Methods = append(ps.Methods, model.PolicyMethodRef{
				AuthenticationMethod: methodIdx,
				Provider:             sel.providers[i],
			})
		}
		out = append(out, ps)
	}
	return out
}

// bestSelectionsForSubset implements step 3-5: enumerate every
// provider assignment for one fixed subset, keep only the
// diversity-maximal, non-equivalent ones.
func bestSelectionsForSubset(subset []int, methods []model.AuthMethod, catalog []model.ProviderConfig, evaluations *int) []selection {
	k := len(subset)
	eligible := make([][]string, k)
	for slot, methodIdx := range subset {
		method := methods[methodIdx]
		for _, p := range catalog {
			if p.MethodSupported(method.Type, method.ByteLen) {
				eligible[slot] = append(eligible[slot], p.URL)
			}
		}
		if len(eligible[slot]) == 0 {
			return nil
		}
	}

	bestDiversity := -1
	seenClasses := map[string]bool{}
	var kept []selection

	assignment := make([]string, k)
	var assign func(slot int)
	assign = func(slot int) {
		if *evaluations >= maxEvaluations {
			return
		}
		if slot == k {
			*evaluations++
			d := diversity(assignment)
			if d < bestDiversity {
				return
			}
			cls := equivalenceClass(subset, assignment, methods, catalog)
			if d > bestDiversity {
				bestDiversity = d
				seenClasses = map[string]bool{}
				kept = nil
			}
			if seenClasses[cls] {
				return
			}
			seenClasses[cls] = true
			kept = append(kept, selection{
				subset:    subset,
				providers: append([]string(nil), assignment...),
				diversity: d,
			})
			return
		}
		for _, url := range eligible[slot] {
			if *evaluations >= maxEvaluations {
				return
			}
			assignment[slot] = url
			assign(slot + 1)
		}
	}
	assign(0)
	return kept
}

func diversity(assignment []string) int {
	seen := map[string]bool{}
	for _, url := range assignment {
		seen[url] = true
	}
	return len(seen)
}

// equivalenceClass implements spec §4.H step 4's equivalence rule:
// two provider selections are equivalent when, for every slot, the
// two providers have equal truth-upload fees and identical
// (type, usage-fee) sets for every method.
func equivalenceClass(subset []int, assignment []string, methods []model.AuthMethod, catalog []model.ProviderConfig) string {
	byURL := map[string]model.ProviderConfig{}
	for _, p := range catalog {
		byURL[p.URL] = p
	}
	var class string
	for _, url := range assignment {
		p := byURL[url]
		class += p.TruthUploadFee.Currency + ":" + p.TruthUploadFee.Value + "|"
		methodFees := make([]string, 0, len(p.Methods))
		for _, pm := range p.Methods {
			methodFees = append(methodFees, pm.Type+"="+pm.UsageFee.Currency+pm.UsageFee.Value)
		}
		sort.Strings(methodFees)
		for _, f := range methodFees {
			class += f + ","
		}
		class += ";"
	}
	return class
}

// chooseCrossSubset implements spec §4.H step 6: pick one selection
// per subset minimising total cost (summed over distinct
// (method, provider) pairs, so a truth shared across subsets is only
// charged once), under a second-order duplicate-pair penalty.
func chooseCrossSubset(candidates []selection, catalog []model.ProviderConfig) []selection {
	feeByURL := map[string]model.Amount{}
	for _, p := range catalog {
		feeByURL[p.URL] = p.TruthUploadFee
	}

	bySubset := map[string][]selection{}
	var order []string
	for _, c := range candidates {
		key := subsetKey(c.subset)
		if _, ok := bySubset[key]; !ok {
			order = append(order, key)
		}
		bySubset[key] = append(bySubset[key], c)
	}

	chosen := make([]selection, 0, len(order))
	used := map[[2]string]model.Amount{} // (method, provider) pairs already charged by an earlier subset
	for _, key := range order {
		opts := bySubset[key]
		pick := opts[0]
		bestCost := incrementalCost(pick, used, feeByURL)
		bestDup := duplicatePairs(pick, used)
		for _, opt := range opts[1:] {
			c := incrementalCost(opt, used, feeByURL)
			d := duplicatePairs(opt, used)
			if costBeats(c, bestCost) || (!costBeats(bestCost, c) && d < bestDup) {
				pick, bestCost, bestDup = opt, c, d
			}
		}
		chosen = append(chosen, pick)
		for i, methodIdx := range pick.subset {
			pk := pairKey(methodIdx, pick.providers[i])
			if _, ok := used[pk]; !ok {
				used[pk] = feeByURL[pick.providers[i]]
			}
		}
	}
	return chosen
}

func subsetKey(subset []int) string {
	out := ""
	for _, i := range subset {
		out += string(rune('a' + i)) + ","
	}
	return out
}

func pairKey(methodIdx int, url string) [2]string {
	return [2]string{string(rune('a' + methodIdx)), url}
}

// duplicatePairs counts how many of sel's (method, provider) pairs
// were already charged by an earlier subset, the second-order penalty
// of spec §4.H step 6.
func duplicatePairs(sel selection, used map[[2]string]model.Amount) int {
	n := 0
	for i, methodIdx := range sel.subset {
		if _, ok := used[pairKey(methodIdx, sel.providers[i])]; ok {
			n++
		}
	}
	return n
}

// incrementalCost sums the truth-upload fees this selection would add
// beyond what earlier subsets already paid for, keyed by currency.
// Amounts stay in decimal.Decimal throughout so fee comparisons never
// touch floating point, matching the fixed-point intent of
// model.Amount.
func incrementalCost(sel selection, used map[[2]string]model.Amount, feeByURL map[string]model.Amount) map[string]decimal.Decimal {
	totals := map[string]decimal.Decimal{}
	for i, methodIdx := range sel.subset {
		if _, already := used[pairKey(methodIdx, sel.providers[i])]; already {
			continue
		}
		fee := feeByURL[sel.providers[i]]
		if fee.Currency == "" {
			continue
		}
		v, err := decimal.NewFromString(fee.Value)
		if err != nil {
			continue
		}
		totals[fee.Currency] = totals[fee.Currency].Add(v)
	}
	return totals
}

// costBeats implements the partial-order comparison of spec §4.H step
// 6: a beats b only when a has lower-or-missing cost in every
// currency present in b, and a is not itself equal to b.
func costBeats(a, b map[string]decimal.Decimal) bool {
	if len(b) == 0 {
		return false
	}
	strictlyLower := false
	for cur, bv := range b {
		av, ok := a[cur]
		if !ok {
			av = decimal.Zero
		}
		switch av.Cmp(bv) {
		case 1:
			return false
		case -1:
			strictlyLower = true
		}
	}
	return strictlyLower
}
