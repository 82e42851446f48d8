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

import (
	"encoding/json"
	"fmt"
	"regexp"
)

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// jsonObjectPattern finds the first brace-delimited object in prose, for
// models that wrap their JSON in commentary or markdown fences
var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// ParseRubric extracts the rubric from a raw chat-completions response. The
// message content is tried as bare JSON first, then scanned for an embedded
// object. Sub-scores are clamped to [0,1] on the way out.
func ParseRubric(payload []byte) (*Rubric, error) {
	var resp completionResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decoding completion envelope, %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("completion response has no choices")
	}
	content := resp.Choices[0].Message.Content

	var rubric Rubric
	if err := json.Unmarshal([]byte(content), &rubric); err != nil {
		embedded := jsonObjectPattern.FindString(content)
		if embedded == "" {
			return nil, fmt.Errorf("no rubric object in model output")
		}
		if err := json.Unmarshal([]byte(embedded), &rubric); err != nil {
			return nil, fmt.Errorf("decoding rubric object, %w", err)
		}
	}
	rubric.ActionMatch = clamp01(rubric.ActionMatch)
	rubric.Perspective = clamp01(rubric.Perspective)
	rubric.DemoQuality = clamp01(rubric.DemoQuality)
	rubric.TrainingUtility = clamp01(rubric.TrainingUtility)
	return &rubric, nil
}
