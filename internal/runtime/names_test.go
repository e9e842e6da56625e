package runtime

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerivedNamesValidate(t *testing.T) {
	id := uuid.New()

	require.NoError(t, ValidateName(KindProject, ProjectName(id)))
	require.NoError(t, ValidateName(KindNetwork, LabNetworkName(id)))
	require.NoError(t, ValidateName(KindNetwork, EgressNetworkName(id)))
	require.NoError(t, ValidateName(KindVolume, VolumeName(id, "evidence_auth")))
	require.NoError(t, ValidateName(KindTAP, TAPName(id)))
}

func TestValidateNameRejectsForeignNames(t *testing.T) {
	assert.Error(t, ValidateName(KindProject, "some-other-project"))
	assert.Error(t, ValidateName(KindNetwork, "bridge"))
	assert.Error(t, ValidateName(KindNetwork, "octolab_not-a-uuid_lab_net"))
	assert.Error(t, ValidateName(KindTAP, "tap-zzzzzzzz"))
}

func TestTAPNameIsEightHexChars(t *testing.T) {
	id := uuid.New()
	name := TAPName(id)
	assert.Len(t, name, len("tap-")+8)
}
