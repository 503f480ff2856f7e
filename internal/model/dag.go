package model

import (
	"fmt"
	"sort"
)

// BuildDependencyClosure returns a topological order (dependencies first)
// of finalJobID and everything it transitively depends on, using the
// iterative two-phase stack walk: push (node, false); on pop, if the node
// hasn't had its children processed, push it back as (node, true) then
// push each unvisited dependency as (dep, false); if the node's children
// have been processed, append it to the sorted output.
//
// This assumes acyclicity; callers that need to distinguish
// "well-formed DAG" from "cycle" must run DetectCycle first.
func (l *Lab) BuildDependencyClosure(finalJobID JobId) []JobId {
	type frame struct {
		id        JobId
		processed bool
	}
	stack := []frame{{finalJobID, false}}
	visited := make(map[JobId]struct{})
	var sorted []JobId

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if top.processed {
			sorted = append(sorted, top.id)
			continue
		}
		if _, ok := visited[top.id]; ok {
			continue
		}
		visited[top.id] = struct{}{}

		stack = append(stack, frame{top.id, true})

		if job, ok := l.Jobs[top.id]; ok {
			for _, dep := range job.AllDependencies() {
				if _, ok := visited[dep]; !ok {
					stack = append(stack, frame{dep, false})
				}
			}
		}
	}

	return sorted
}

// DetectCycle runs Kahn's algorithm over the given job ids and their
// AllDependencies() edges. It returns the ids that could not be ordered
// (the cyclic remainder) or nil if the subgraph is acyclic.
func (l *Lab) DetectCycle(jobIDs []JobId) []JobId {
	inSet := make(map[JobId]struct{}, len(jobIDs))
	for _, id := range jobIDs {
		inSet[id] = struct{}{}
	}

	indegree := make(map[JobId]int, len(jobIDs))
	dependents := make(map[JobId][]JobId)

	for _, id := range jobIDs {
		indegree[id] = 0
	}
	for _, id := range jobIDs {
		job, ok := l.Jobs[id]
		if !ok {
			continue
		}
		for _, dep := range job.AllDependencies() {
			if _, ok := inSet[dep]; !ok {
				continue
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var queue []JobId
	for _, id := range jobIDs {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	visitedCount := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visitedCount++
		for _, dependent := range dependents[n] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if visitedCount == len(jobIDs) {
		return nil
	}

	var remainder []JobId
	for _, id := range jobIDs {
		if indegree[id] > 0 {
			remainder = append(remainder, id)
		}
	}
	return remainder
}

// TopologicalOrderSteps computes a deterministic topological order over a
// ScatterGather job's step-<name> executables. Ties within a
// level are broken by sorting step names lexically. Returns an error
// naming the offending set on a cycle or an unknown dependency.
func TopologicalOrderSteps(steps map[string]Executable) ([]string, error) {
	indegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string)

	for name := range steps {
		indegree[name] = 0
	}
	for name, exe := range steps {
		for _, dep := range exe.Deps {
			if _, ok := steps[dep]; !ok {
				return nil, fmt.Errorf("step %q depends on unknown step %q", name, dep)
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	var order []string
	for {
		var level []string
		for name, deg := range indegree {
			if deg == 0 {
				level = append(level, name)
			}
		}
		if len(level) == 0 {
			break
		}
		sort.Strings(level)
		for _, name := range level {
			order = append(order, name)
			delete(indegree, name)
			for _, dependent := range dependents[name] {
				indegree[dependent]--
			}
		}
	}

	if len(indegree) > 0 {
		var remainder []string
		for name := range indegree {
			remainder = append(remainder, name)
		}
		sort.Strings(remainder)
		return nil, fmt.Errorf("cycle detected among steps: %v", remainder)
	}

	return order, nil
}

// TopologicalOrderJobs computes a deterministic topological order over a
// submitted batch of jobs, restricted to dependency edges that land inside
// the batch itself - a dependency on a job outside jobsInBatch is assumed
// already satisfied (it succeeded before this batch was selected) and does
// not participate in ordering. Used by the batch scheduler driver to chain
// afterok dependencies between sbatch submissions in dependency order.
func TopologicalOrderJobs(jobsInBatch map[JobId]Job) ([]JobId, error) {
	indegree := make(map[JobId]int, len(jobsInBatch))
	dependents := make(map[JobId][]JobId)

	for id := range jobsInBatch {
		indegree[id] = 0
	}
	for id, job := range jobsInBatch {
		for _, dep := range job.AllDependencies() {
			if _, inBatch := jobsInBatch[dep]; !inBatch {
				continue
			}
			indegree[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	var order []JobId
	for {
		var level []JobId
		for id, deg := range indegree {
			if deg == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			break
		}
		sort.Slice(level, func(i, k int) bool { return level[i] < level[k] })
		for _, id := range level {
			order = append(order, id)
			delete(indegree, id)
			for _, dependent := range dependents[id] {
				indegree[dependent]--
			}
		}
	}

	if len(indegree) > 0 {
		var remainder []JobId
		for id := range indegree {
			remainder = append(remainder, id)
		}
		sort.Slice(remainder, func(i, k int) bool { return remainder[i] < remainder[k] })
		return nil, fmt.Errorf("cycle detected among jobs: %v", remainder)
	}

	return order, nil
}

// SinkStep returns the name of the step no other step depends on; a
// well-formed ScatterGather job has exactly one.
func SinkStep(steps map[string]Executable) (string, error) {
	hasDependent := make(map[string]bool, len(steps))
	for _, exe := range steps {
		for _, dep := range exe.Deps {
			hasDependent[dep] = true
		}
	}

	var sinks []string
	for name := range steps {
		if !hasDependent[name] {
			sinks = append(sinks, name)
		}
	}
	sort.Strings(sinks)

	switch len(sinks) {
	case 1:
		return sinks[0], nil
	case 0:
		return "", fmt.Errorf("no sink step found: every step has a dependent (cycle?)")
	default:
		return "", fmt.Errorf("expected exactly one sink step but found %d: %v", len(sinks), sinks)
	}
}
