package llm

import "strings"

// Soft refusals come back as HTTP 200 with apologetic prose and no image.
// They are detected by substring so the user gets a suggestion instead of a
// generic failure.

var refusalPhrases = []string{
	"i can't",
	"i cannot",
	"i can not",
	"i'm unable",
	"i am unable",
	"unable to generate",
	"unable to create",
	"cannot assist",
	"can't assist",
	"cannot help with",
	"i'm sorry",
	"i am sorry",
	"against my guidelines",
	"against our guidelines",
	"content policy",
	"violates",
	"not able to generate",
	"无法生成",
	"不能生成",
	"无法创建",
	"无法满足",
	"无法协助",
	"抱歉",
	"很遗憾",
	"违反",
	"不符合规范",
	"内容政策",
}

// IsSoftRefusal reports whether assistant text reads like a policy refusal.
// Only meaningful when no image URL was produced.
func IsSoftRefusal(text string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	if trimmed == "" {
		return false
	}
	for _, phrase := range refusalPhrases {
		if strings.Contains(trimmed, phrase) {
			return true
		}
	}
	return false
}

// BuildSuggestion produces a rewrite hint for a refused or failed prompt,
// keyed off the requested style and prompt keywords.
func BuildSuggestion(prompt, style string) string {
	lowerPrompt := strings.ToLower(prompt)

	switch strings.ToLower(strings.TrimSpace(style)) {
	case "realistic", "photo", "photorealistic":
		return "尝试减少写实细节描述，改用 illustration 或 watercolor 等艺术风格重新生成。"
	case "anime", "cartoon":
		return "尝试简化角色描述，去掉具体人名和品牌，保留画风和场景关键词。"
	}

	for _, keyword := range []string{"person", "face", "portrait", "人物", "人脸", "肖像"} {
		if strings.Contains(lowerPrompt, keyword) {
			return "涉及人物的描述容易被拒绝，尝试改为风景、静物或抽象主题。"
		}
	}
	for _, keyword := range []string{"logo", "brand", "trademark", "商标", "品牌"} {
		if strings.Contains(lowerPrompt, keyword) {
			return "品牌和商标相关内容可能受限，尝试描述通用的图形元素代替。"
		}
	}

	return "尝试换一种更具体的描述方式，比如补充场景、光线和构图细节后重新生成。"
}
