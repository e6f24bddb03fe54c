//go:build launchdarkly

package main

import (
	"github.com/GoCodeAlone/rollout/featureflag"
	"github.com/GoCodeAlone/rollout/featureflag/launchdarkly"
)

func newLaunchDarklyProvider(sdkKey string) (featureflag.Provider, error) {
	return launchdarkly.NewProvider(launchdarkly.Config{SDKKey: sdkKey, Stream: true})
}
