package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// expandNodelist expands a slurm node list such as "gpu[1-3,7] cpu04" into
// the node names gpu1, gpu2, gpu3, gpu7, cpu04. Groups are separated by
// spaces or by commas outside brackets. Zero padding in ranges is kept:
// "n[08-10]" is n08, n09, n10.
func expandNodelist(s string) ([]string, error) {
	var nodes []string
	for _, group := range splitGroups(s) {
		open := strings.IndexByte(group, '[')
		if open < 0 {
			nodes = append(nodes, group)
			continue
		}
		if !strings.HasSuffix(group, "]") || open == 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("bad node group %q", group))
		}
		root := group[:open]
		for _, sweep := range strings.Split(group[open+1:len(group)-1], ",") {
			lowStr, highStr := sweep, sweep
			if i := strings.IndexByte(sweep, '-'); i >= 0 {
				lowStr, highStr = sweep[:i], sweep[i+1:]
			}
			low, err := strconv.Atoi(lowStr)
			if err != nil {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("bad node range %q in %q", sweep, group), err)
			}
			high, err := strconv.Atoi(highStr)
			if err != nil {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("bad node range %q in %q", sweep, group), err)
			}
			if high < low {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("empty node range %q in %q", sweep, group))
			}
			width := len(lowStr)
			for i := low; i <= high; i++ {
				nodes = append(nodes, fmt.Sprintf("%s%0*d", root, width, i))
			}
		}
	}
	return nodes, nil
}

// splitGroups splits s at spaces and at commas that are not within brackets.
func splitGroups(s string) []string {
	var (
		groups []string
		depth  int
		start  int
	)
	flush := func(end int) {
		if g := strings.TrimSpace(s[start:end]); g != "" {
			groups = append(groups, g)
		}
		start = end + 1
	}
	for i, r := range s {
		switch {
		case r == '[':
			depth++
		case r == ']':
			depth--
		case (r == ',' && depth == 0) || r == ' ':
			flush(i)
		}
	}
	flush(len(s))
	return groups
}
