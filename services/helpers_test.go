package services_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"xmdecrypt/services"
	"xmdecrypt/testsupport"
)

// writeFixture builds c and writes it to dir/name.
func writeFixture(t *testing.T, dir, name string, c testsupport.Container) (string, *testsupport.Fixture) {
	t.Helper()
	if c.Key == nil {
		c.Key = services.ContainerKey()
	}
	fx, err := c.Build()
	require.NoError(t, err)

	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, fx.Data, 0o644))
	return path, fx
}

func mp3Episode(title string) testsupport.Container {
	return testsupport.Container{
		Title:  title,
		Artist: "Narrator",
		Album:  "Morning Stories",
		Track:  "3",
		Audio:  testsupport.MP3Stream(900),
	}
}
