package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scorchlab/scorch/config"
	"github.com/scorchlab/scorch/providers"
)

type fakeDirectory struct {
	apps       map[string]bool
	principals map[string]bool
	grants     map[string][]string
	findErr    error
	deleteErr  error
	deleted    []string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		apps:       make(map[string]bool),
		principals: make(map[string]bool),
		grants:     make(map[string][]string),
	}
}

func (f *fakeDirectory) CreateApplication(ctx context.Context, name string, tags map[string]string) (string, error) {
	f.apps[name] = true
	return "app-" + name, nil
}

func (f *fakeDirectory) CreatePrincipal(ctx context.Context, name string) (string, error) {
	f.principals[name] = true
	return "principal-" + name, nil
}

func (f *fakeDirectory) IssueCredential(ctx context.Context, name string) (string, string, error) {
	return "client-" + name, "secret-value", nil
}

func (f *fakeDirectory) GrantRole(ctx context.Context, name, role string) error {
	f.grants[name] = append(f.grants[name], role)
	return nil
}

func (f *fakeDirectory) FindByName(ctx context.Context, name string) (string, error) {
	if f.findErr != nil {
		return "", f.findErr
	}
	if !f.principals[name] {
		return "", providers.NewError(providers.KindNotFound, "find", errors.New("no such entity"))
	}
	return "principal-" + name, nil
}

func (f *fakeDirectory) Delete(ctx context.Context, name string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.apps, name)
	delete(f.principals, name)
	f.deleted = append(f.deleted, name)
	return nil
}

type fakeSecrets struct {
	values    map[string]string
	deleteErr error
}

func newFakeSecrets() *fakeSecrets {
	return &fakeSecrets{values: make(map[string]string)}
}

func (f *fakeSecrets) Set(ctx context.Context, name, value string) error {
	f.values[name] = value
	return nil
}

func (f *fakeSecrets) Delete(ctx context.Context, name string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.values[name]; !ok {
		return providers.NewError(providers.KindNotFound, "delete", errors.New("not found"))
	}
	delete(f.values, name)
	return nil
}

func newManager(dir *fakeDirectory, secrets *fakeSecrets) *Manager {
	m := New(dir, secrets, config.Identity{PropagationWait: time.Minute}, zerolog.Nop())
	m.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return m
}

func TestCreateProvisionsFullChain(t *testing.T) {
	dir := newFakeDirectory()
	secrets := newFakeSecrets()
	m := newManager(dir, secrets)

	id, err := m.Create(context.Background(), "Port Scan", []string{"reader", "runner"})
	require.NoError(t, err)

	assert.Equal(t, "scorch-agent-port-scan", id.Name)
	assert.Equal(t, "scorch/credentials/port-scan", id.SecretRef)
	assert.True(t, dir.apps[id.Name])
	assert.True(t, dir.principals[id.Name])
	assert.Equal(t, []string{"reader", "runner"}, dir.grants[id.Name])
	assert.Contains(t, secrets.values[id.SecretRef], "client-scorch-agent-port-scan")
}

func TestCreateNamesAreDeterministic(t *testing.T) {
	dir := newFakeDirectory()
	m := newManager(dir, newFakeSecrets())

	first, err := m.Create(context.Background(), "recon", nil)
	require.NoError(t, err)
	second, err := m.Create(context.Background(), "recon", nil)
	require.NoError(t, err)

	assert.Equal(t, first.Name, second.Name)
	assert.Equal(t, first.SecretRef, second.SecretRef)
}

func TestDeleteRemovesIdentityAndSecret(t *testing.T) {
	dir := newFakeDirectory()
	secrets := newFakeSecrets()
	m := newManager(dir, secrets)

	_, err := m.Create(context.Background(), "recon", nil)
	require.NoError(t, err)

	require.NoError(t, m.Delete(context.Background(), "recon"))

	assert.False(t, dir.principals["scorch-agent-recon"])
	assert.NotContains(t, secrets.values, "scorch/credentials/recon")
}

func TestDeleteMissingIdentityIsNoError(t *testing.T) {
	m := newManager(newFakeDirectory(), newFakeSecrets())

	assert.NoError(t, m.Delete(context.Background(), "never-created"))
}

func TestDeleteContinuesPastSecretFailure(t *testing.T) {
	dir := newFakeDirectory()
	secrets := newFakeSecrets()
	m := newManager(dir, secrets)

	_, err := m.Create(context.Background(), "recon", nil)
	require.NoError(t, err)

	secrets.deleteErr = errors.New("secret store unavailable")
	err = m.Delete(context.Background(), "recon")

	// The directory identity still got torn down.
	assert.Error(t, err)
	assert.Contains(t, dir.deleted, "scorch-agent-recon")
}

func TestDeleteAllCountsDeletions(t *testing.T) {
	dir := newFakeDirectory()
	secrets := newFakeSecrets()
	m := newManager(dir, secrets)

	_, err := m.Create(context.Background(), "recon", nil)
	require.NoError(t, err)
	_, err = m.Create(context.Background(), "port-scan", nil)
	require.NoError(t, err)

	deleted, err := m.DeleteAll(context.Background(), []string{"recon", "port-scan", "ghost"})
	require.NoError(t, err)
	assert.Equal(t, 3, deleted) // ghost was never created, absence is success
}

func TestVerifyDeleted(t *testing.T) {
	dir := newFakeDirectory()
	m := newManager(dir, newFakeSecrets())

	_, err := m.Create(context.Background(), "recon", nil)
	require.NoError(t, err)

	gone, err := m.VerifyDeleted(context.Background(), "recon")
	require.NoError(t, err)
	assert.False(t, gone)

	require.NoError(t, m.Delete(context.Background(), "recon"))

	gone, err = m.VerifyDeleted(context.Background(), "recon")
	require.NoError(t, err)
	assert.True(t, gone)
}
