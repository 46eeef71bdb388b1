// SPDX-License-Identifier: GPL-2.0-or-later

package sentinel

import (
	"sentinel/pkg/capture"
	"sentinel/pkg/storage"
)

// SampleSourceFunc creates the sample source for a camera. The ingest
// layer registers one at startup.
type SampleSourceFunc func(storage.Camera) (capture.SampleSource, error)

type hookList struct {
	newSampleSource SampleSourceFunc
}

var hooks = &hookList{}

// RegisterSampleSource registers the function used to create sample
// sources. Calling it twice replaces the previous registration.
func RegisterSampleSource(f SampleSourceFunc) {
	hooks.newSampleSource = f
}
