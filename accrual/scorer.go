// Copyright 2025 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package accrual

const (
	scoreBase           = 1
	scoreCharsPerPoint  = 32
	scorePerAttachment  = 2
	scorePerEmbed       = 2
	scoreMaxSingleEvent = 25
)

// ScoreMessage maps a message's observable shape to a point value. It is
// pure and deterministic: the same inputs always yield the same score.
// Scores are capped so a single event can never dominate a user's total.
func ScoreMessage(contentLength, attachments, embeds int) uint64 {
	if contentLength < 0 {
		contentLength = 0
	}
	if attachments < 0 {
		attachments = 0
	}
	if embeds < 0 {
		embeds = 0
	}
	score := scoreBase +
		contentLength/scoreCharsPerPoint +
		attachments*scorePerAttachment +
		embeds*scorePerEmbed
	if score > scoreMaxSingleEvent {
		score = scoreMaxSingleEvent
	}
	return uint64(score)
}

// ScoreReaction is the flat score for adding a reaction
func ScoreReaction() uint64 {
	return scoreBase
}
