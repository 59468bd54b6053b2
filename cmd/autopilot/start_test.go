package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/autopilot/internal/models"
)

func TestStartFlags_AreHyphenated(t *testing.T) {
	for _, name := range models.AllBehaviors {
		assert.Nil(t, startCmd.Flags().Lookup(string(name)), "no underscore flag for %s", name)
	}

	require.NoError(t, startCmd.Flags().Parse([]string{"--join-groups", "3", "--view-content=2", "--add-friends", "1"}))
	t.Cleanup(func() {
		for _, count := range startCounts {
			*count = 0
		}
	})

	cfg := behaviorFlags()
	counts := make(map[models.BehaviorName]int)
	for _, step := range cfg.EnabledSteps() {
		counts[step.Name] = step.Count
	}
	assert.Equal(t, map[models.BehaviorName]int{
		models.BehaviorJoinGroups:  3,
		models.BehaviorViewContent: 2,
		models.BehaviorAddFriends:  1,
	}, counts)
}
