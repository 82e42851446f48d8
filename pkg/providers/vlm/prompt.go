/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package vlm

import "fmt"

const systemPrompt = `You are a strict evaluator of robot-task demonstration videos.
You are shown keyframes sampled uniformly from one video, together with the
task scenario the contributor claims to demonstrate. Score the video on four
axes, each a float in [0,1]:
- action_match: do the frames show the claimed action being performed?
- perspective: does the camera perspective match the declared camera type?
- demo_quality: is the demonstration clear, complete and well-framed?
- training_utility: would this footage be useful for training a robot policy?
Respond with ONLY a JSON object:
{"action_match": <float>, "perspective": <float>, "demo_quality": <float>, "training_utility": <float>, "reasoning": "<one sentence>"}`

func userPrompt(req *Request) string {
	return fmt.Sprintf(
		"Task scenario: %s\nContributor's action description: %s\nDeclared camera type: %s\nDeclared actor type: %s\nThe following %d images are keyframes in temporal order.",
		req.Scenario, orNone(req.ActionDescription), req.CameraType, req.ActorType, len(req.KeyframesJPEG))
}

func orNone(s string) string {
	if s == "" {
		return "(none provided)"
	}
	return s
}
