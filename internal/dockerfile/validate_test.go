package dockerfile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateRejectsEmptyDockerfile(t *testing.T) {
	err := Validate("", nil)
	assert.Error(t, err)
}

func TestValidateRejectsMissingFrom(t *testing.T) {
	err := Validate("RUN echo hi\n", nil)
	assert.Error(t, err)
}

func TestValidateRejectsPrivileged(t *testing.T) {
	err := Validate("FROM httpd:2.4\nRUN echo --privileged\n", nil)
	assert.Error(t, err)
}

func TestValidateRejectsTooManySourceFiles(t *testing.T) {
	files := make([]SourceFile, MaxSourceFiles+1)
	for i := range files {
		files[i] = SourceFile{Name: "f", Content: "x"}
	}
	err := Validate("FROM httpd:2.4\n", files)
	assert.Error(t, err)
}

func TestValidateAcceptsSimpleDockerfile(t *testing.T) {
	err := Validate("FROM httpd:2.4\nEXPOSE 80\n", []SourceFile{{Name: "index.html", Content: "hi"}})
	assert.NoError(t, err)
}

func TestParseExposedPortsDedupesAndOrdersByDeclaration(t *testing.T) {
	content := "FROM httpd:2.4\nEXPOSE 80\nEXPOSE 443/tcp 80\nEXPOSE not-a-port\n"
	ports := ParseExposedPorts(content)
	assert.Equal(t, []int{80, 443}, ports)
}

func TestParseExposedPortsReturnsNilWhenNoneDeclared(t *testing.T) {
	ports := ParseExposedPorts("FROM httpd:2.4\n")
	assert.Nil(t, ports)
}

func TestValidateRejectsDockerSockMount(t *testing.T) {
	err := Validate("FROM httpd:2.4\n# mounts /var/run/docker.sock\n", nil)
	assert.True(t, strings.Contains(err.Error(), "disallowed"))
}
