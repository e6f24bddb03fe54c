//go:build !launchdarkly

package main

import (
	"errors"

	"github.com/GoCodeAlone/rollout/featureflag"
)

func newLaunchDarklyProvider(string) (featureflag.Provider, error) {
	return nil, errors.New("flags.launchdarkly_sdk_key is set but rolloutctl was built without the launchdarkly tag")
}
