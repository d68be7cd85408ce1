package workspace

import (
	"fmt"

	"github.com/bmatcuk/doublestar"

	"github.com/waveworks/wave/pkg/models"
)

// Policy decides which paths a dispatch may write inside its workspace.
// Forbidden patterns always win; otherwise a write must match the story's
// create or modify globs. A story with no create/modify globs at all is
// unconstrained (aside from the forbidden set).
type Policy struct {
	create    []string
	modify    []string
	forbidden []string
}

// PolicyFor builds the write policy for a story, merging the globally
// forbidden paths into the story's own deny-list.
func PolicyFor(story *models.StorySpec, globalForbidden []string) Policy {
	forbidden := make([]string, 0, len(story.Files.Forbidden)+len(globalForbidden))
	forbidden = append(forbidden, story.Files.Forbidden...)
	forbidden = append(forbidden, globalForbidden...)
	return Policy{
		create:    story.Files.Create,
		modify:    story.Files.Modify,
		forbidden: forbidden,
	}
}

// Check returns nil when path is writable under the policy, or an error
// naming the violated constraint. Paths are workspace-relative.
func (p Policy) Check(path string) error {
	for _, pattern := range p.forbidden {
		if globMatch(pattern, path) {
			return fmt.Errorf("path %q matches forbidden pattern %q", path, pattern)
		}
	}
	if len(p.create) == 0 && len(p.modify) == 0 {
		return nil
	}
	for _, pattern := range p.create {
		if globMatch(pattern, path) {
			return nil
		}
	}
	for _, pattern := range p.modify {
		if globMatch(pattern, path) {
			return nil
		}
	}
	return fmt.Errorf("path %q is outside the story's file boundary", path)
}

func globMatch(pattern, path string) bool {
	if pattern == path {
		return true
	}
	ok, err := doublestar.Match(pattern, path)
	return err == nil && ok
}
