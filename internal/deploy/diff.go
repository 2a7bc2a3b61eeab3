package deploy

import "sort"

// Update is a branch whose tip moved. Previous is empty for a branch that
// has no recorded deployment.
type Update struct {
	Branch   string
	Previous string
	Current  string
}

// ChangeSet is the work one run has to do. Each list is sorted by branch
// and a branch appears in at most one list.
type ChangeSet struct {
	Created []string
	Updated []Update
	Deleted []string
}

// Empty reports whether the change set contains no work.
func (c ChangeSet) Empty() bool {
	return len(c.Created) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

// Diff classifies every branch of current and previous. Branches with an
// unchanged commit appear nowhere.
func Diff(current, previous BranchState) ChangeSet {
	var cs ChangeSet

	for branch, commit := range current {
		prev, known := previous[branch]
		switch {
		case !known:
			cs.Created = append(cs.Created, branch)
		case prev != commit:
			cs.Updated = append(cs.Updated, Update{Branch: branch, Previous: prev, Current: commit})
		}
	}

	for branch := range previous {
		if _, ok := current[branch]; !ok {
			cs.Deleted = append(cs.Deleted, branch)
		}
	}

	sort.Strings(cs.Created)
	sort.Strings(cs.Deleted)
	sort.Slice(cs.Updated, func(i, j int) bool { return cs.Updated[i].Branch < cs.Updated[j].Branch })

	return cs
}
