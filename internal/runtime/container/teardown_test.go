package container

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/octolab-io/octolab/internal/runtime"
)

func TestClassifyNetworkErrorNotFound(t *testing.T) {
	assert.Equal(t, networkRmNotFound, classifyNetworkError("Error: No such network: octolab_x_lab_net"))
	assert.Equal(t, networkRmNotFound, classifyNetworkError("network not found"))
}

func TestClassifyNetworkErrorInUse(t *testing.T) {
	assert.Equal(t, networkRmInUse, classifyNetworkError("network octolab_x has active endpoints"))
	assert.Equal(t, networkRmInUse, classifyNetworkError("resource is still in use"))
	assert.Equal(t, networkRmInUse, classifyNetworkError("Error: network is in use"))
}

func TestClassifyNetworkErrorUnknown(t *testing.T) {
	assert.Equal(t, networkRmError, classifyNetworkError("permission denied"))
}

func TestClassifyAttachedSeparatesProjectAndForeign(t *testing.T) {
	labID := uuid.New()
	project := runtime.ProjectName(labID)
	hyphenated := project
	ownedName := hyphenatedName(hyphenated) + "-desktop-1"

	projectOwned, foreign := classifyAttached([]string{ownedName, "some-other-container"}, labID, []string{"guacd"})
	assert.Contains(t, projectOwned, ownedName)
	assert.Contains(t, foreign, "some-other-container")
}

func TestClassifyAttachedTreatsAllowlistAsNeitherBucket(t *testing.T) {
	labID := uuid.New()
	projectOwned, foreign := classifyAttached([]string{"guacd"}, labID, []string{"guacd"})
	assert.Empty(t, projectOwned)
	assert.Empty(t, foreign)
}

func hyphenatedName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '_' {
			out = append(out, '-')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
