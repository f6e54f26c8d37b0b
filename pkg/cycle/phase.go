/*
Copyright 2025 Adobe. All rights reserved.
This file is licensed to you under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License. You may obtain a copy
of the License at http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software distributed under
the License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR REPRESENTATIONS
OF ANY KIND, either express or implied. See the License for the specific language
governing permissions and limitations under the License.
*/

package cycle

import "fmt"

// Phase is the position of a node in its maintenance cycle. Phases only move forward
type Phase int

const (
	PhaseStart Phase = iota
	PhaseDraining
	PhaseAwaitingVolumeDetach
	PhaseRebooting
	PhaseAwaitingReady
	PhaseUncordoned
	PhaseLabelCleared
)

var phaseNames = map[Phase]string{
	PhaseStart:                "Start",
	PhaseDraining:             "Draining",
	PhaseAwaitingVolumeDetach: "AwaitingVolumeDetach",
	PhaseRebooting:            "Rebooting",
	PhaseAwaitingReady:        "AwaitingReady",
	PhaseUncordoned:           "Uncordoned",
	PhaseLabelCleared:         "LabelCleared",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Next returns the phase following p. The terminal phase is its own successor
func (p Phase) Next() Phase {
	if p.Terminal() {
		return p
	}
	return p + 1
}

// Terminal reports whether the cycle is over
func (p Phase) Terminal() bool {
	return p >= PhaseLabelCleared
}
