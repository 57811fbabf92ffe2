package laudb

import (
	"errors"
	"fmt"
	"path"

	"github.com/cespare/xxhash/v2"
)

var (
	KeyGameInstallDir   = KeyAccessor("game_install_dir")
	KeyGameVersion      = KeyAccessor("game_version") // informational cache, disk is the truth
	KeyPatched          = KeyAccessor("patched")
	KeyPredownloadedAll = KeyAccessor("predownloaded_all")
)

// "installed_dxvk_version" etc.
func KeyInstalledResourceVersion(resource string) *keyAccessor {
	return KeyAccessor(fmt.Sprintf("installed_%s_version", resource))
}

// marks a predownloaded payload, keyed by a hash of the archive's file name (not the URL,
// because mirrors differ)
func KeyPredownloaded(archiveURL string) *keyAccessor {
	return KeyAccessor(fmt.Sprintf("predownloaded_%016x", xxhash.Sum64String(path.Base(archiveURL))))
}

type keyAccessor struct {
	key string
}

func KeyAccessor(key string) *keyAccessor {
	return &keyAccessor{key}
}

func (k *keyAccessor) Key() string {
	return k.key
}

// empty string if not set
func (k *keyAccessor) GetOptional(store Store) (string, error) {
	return k.getWithRequired(false, store)
}

// returns descriptive error message if value not set
func (k *keyAccessor) GetRequired(store Store) (string, error) {
	return k.getWithRequired(true, store)
}

func (k *keyAccessor) getWithRequired(required bool, store Store) (string, error) {
	value, err := store.Get(k.key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}

	if value == "" && required {
		return "", fmt.Errorf("value %s not set", k.key)
	}

	return value, nil
}

func (k *keyAccessor) IsSet(store Store) (bool, error) {
	value, err := k.GetOptional(store)
	return value != "", err
}

func (k *keyAccessor) Set(value string, store Store) error {
	if value == "" {
		return fmt.Errorf("refusing to set empty value for %s (use Delete)", k.key)
	}

	return store.Set(k.key, value)
}

func (k *keyAccessor) Delete(store Store) error {
	return store.Delete(k.key)
}

// scopes all keys under a prefix so titles don't step on each other's state
func Namespaced(store Store, namespace string) Store {
	return &namespacedStore{store, namespace + "/"}
}

type namespacedStore struct {
	inner  Store
	prefix string
}

func (n *namespacedStore) Get(key string) (string, error) {
	return n.inner.Get(n.prefix + key)
}

func (n *namespacedStore) Set(key string, value string) error {
	return n.inner.Set(n.prefix+key, value)
}

func (n *namespacedStore) Delete(key string) error {
	return n.inner.Delete(n.prefix + key)
}
