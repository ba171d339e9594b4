package beaker

import (
	"strings"

	"github.com/beevik/etree"
)

// Terminal recipe set lifecycle states as reported by the scheduler.
// The strings are scheduler-defined and case-sensitive.
const (
	StatusCompleted = "Completed"
	StatusAborted   = "Aborted"
	StatusCancelled = "Cancelled"
)

const resultPass = "Pass"

// waivedParam marks a task whose failure must not fail the aggregate
// verdict. Name and value match case-insensitively.
const waivedParam = "cki_waived"

// TaskResult is the outcome of a single task within a recipe.
type TaskResult struct {
	Name    string
	Result  string
	Waived  bool
	LogURLs []string
}

// RecipeResult is the aggregated outcome of one recipe.
type RecipeResult struct {
	ID     string
	Host   string
	Status string
	Result string
	Passed bool
	Tasks  []TaskResult
}

// RecipeSetVerdict answers "did this recipe set pass" and carries the
// per-recipe detail for reporting, including waived failures.
type RecipeSetVerdict struct {
	Passed  bool
	Status  string
	Recipes []RecipeResult
}

// FailingHosts lists the host of every failed recipe, in document order.
func (v RecipeSetVerdict) FailingHosts() []string {
	var hosts []string
	for _, r := range v.Recipes {
		if !r.Passed {
			hosts = append(hosts, r.Host)
		}
	}
	return hosts
}

// EvaluateRecipeSet computes the pass/fail verdict for a recipe set element.
//
// A task counts against the verdict unless its result is Pass or it is
// waived; waived failing tasks are excluded from the computation but kept in
// the detail output. A recipe fails when it has a non-waived non-Pass task
// (Skip included), or when its own result is failing without a waived task
// explaining it. The set passes only when every recipe passes and the set
// itself completed: Aborted and Cancelled sets carry no usable task data and
// are handled by the tracker directly.
//
// waiving=false disables the waiver policy entirely so waived failures count
// like any other.
func EvaluateRecipeSet(rs *etree.Element, waiving bool) RecipeSetVerdict {
	verdict := RecipeSetVerdict{
		Status: rs.SelectAttrValue("status", ""),
	}

	allPassed := true
	for _, recipe := range rs.FindElements(".//recipe") {
		rr := evaluateRecipe(recipe, waiving)
		if !rr.Passed {
			allPassed = false
		}
		verdict.Recipes = append(verdict.Recipes, rr)
	}

	verdict.Passed = allPassed && verdict.Status == StatusCompleted
	return verdict
}

func evaluateRecipe(recipe *etree.Element, waiving bool) RecipeResult {
	rr := RecipeResult{
		ID:     recipe.SelectAttrValue("id", ""),
		Host:   recipe.SelectAttrValue("system", ""),
		Status: recipe.SelectAttrValue("status", ""),
		Result: recipe.SelectAttrValue("result", ""),
	}

	failing := 0
	waivedFailing := 0
	for _, task := range recipe.FindElements("task") {
		tr := TaskResult{
			Name:   task.SelectAttrValue("name", ""),
			Result: task.SelectAttrValue("result", ""),
			Waived: waiving && taskWaived(task),
		}
		for _, log := range task.FindElements("logs/log") {
			if href := log.SelectAttrValue("href", ""); href != "" {
				tr.LogURLs = append(tr.LogURLs, href)
			}
		}
		if tr.Result != resultPass {
			if tr.Waived {
				waivedFailing++
			} else {
				failing++
			}
		}
		rr.Tasks = append(rr.Tasks, tr)
	}

	rr.Passed = failing == 0 &&
		(rr.Result == resultPass || waivedFailing > 0)
	return rr
}

func taskWaived(task *etree.Element) bool {
	for _, param := range task.FindElements("params/param") {
		if strings.EqualFold(param.SelectAttrValue("name", ""), waivedParam) &&
			strings.EqualFold(param.SelectAttrValue("value", ""), "true") {
			return true
		}
	}
	return false
}
