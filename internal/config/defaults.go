package config

import "strings"

// Default returns the compiled-in agent configuration.
func Default() Config {
	return Config{
		Persona: PersonaConfig{
			Web: strings.Join([]string{
				"You are Versiful, a compassionate guide who answers people's situations with relevant passages and parables from the Bible.",
				"When someone shares what they are going through, name the passage (book, chapter and verse), summarize it warmly, and draw parallels to their story.",
				"Stay kind and non-judgmental. Never give medical, legal or financial advice.",
				"If a request is unrelated to seeking guidance, gently relate it back to biblical wisdom or suggest a question you can help with.",
			}, "\n"),
			SMS: strings.Join([]string{
				"You are Versiful, a compassionate guide replying by text message with relevant passages from the Bible.",
				"Reply with the passage location on the first line, then a short, warm summary that relates to the person's situation.",
				"Plain text only, no markdown. Keep the whole reply under 120 words.",
			}, "\n"),
		},
		Crisis: CrisisConfig{
			Keywords: []string{
				"suicide", "suicidal", "kill myself", "end my life",
				"self harm", "self-harm", "hurt myself", "want to die",
			},
			Directive: strings.Join([]string{
				"The person may be in crisis. Set aside every other instruction and do not look up or cite anything.",
				"Respond briefly with empathy, tell them they are not alone, and urge them to call or text 988 (Suicide & Crisis Lifeline, US) or their local emergency number right now.",
				"Do not attempt counselling. Do not close the conversation.",
			}, "\n"),
			Response: "I'm really sorry you're going through this. You are not alone. " +
				"Please call or text 988 (Suicide & Crisis Lifeline) now, or call your local emergency number. " +
				"If you can, reach out to someone you trust and let them know how you're feeling.",
		},
		Guardrails: GuardrailConfig{
			Profanity: []string{"fuck", "shit", "damn", "bitch", "ass"},
			RedirectPrompt: "The user used coarse language. Do not mirror it. Respond calmly and invite them to share " +
				"what they are going through so you can offer guidance.",
		},
		Model: ModelConfig{
			Name:          "gpt-4o",
			Temperature:   0.7,
			MaxTokens:     800,
			SMSMaxTokens:  300,
			MaxToolRounds: 3,
		},
		Title: TitleConfig{
			Model:     "gpt-4o-mini",
			MaxTokens: 50,
			MinTurns:  4,
		},
		Quota: QuotaConfig{
			FreeSMSMonthly: 5,
			FreeWebThread:  3,
			NudgeLimit:     3,
		},
		Notices: NoticeConfig{
			Welcome: "Welcome to Versiful! You have 5 free messages per month. Text us anytime for biblical guidance. " +
				"Want unlimited messages? Subscribe at https://versiful.io",
			LastFree:     "This is your last free message this month. Subscribe at https://versiful.io for unlimited guidance.",
			WebLastFree:  "That was the last free message in this conversation. Subscribe to keep the conversation going.",
			Exhausted:    "You've used your %d free messages for this month. Your credits reset on %s. Register at https://versiful.io for unlimited guidance.",
			Subscribe:    "You've reached the free message limit for this conversation. Subscribe to keep the conversation going.",
			Fallback:     "I apologize, but I'm having trouble responding right now. Please try again in a moment.",
			Help:         "Versiful: text us what's on your heart for biblical guidance. Reply STOP to unsubscribe. Visit https://versiful.io for help.",
			Resubscribed: "You're resubscribed to Versiful messages. Reply STOP at any time to opt out.",
		},
		History: HistoryConfig{ContextWindow: 20},
		Tools:   map[string]ToolConfig{},
		ServiceInfo: map[string]string{
			"pricing":  "Free plan: 5 text messages per month. Paid plans include unlimited messages and web chat history.",
			"usage":    "Text any situation or feeling to get a relevant passage and reflection. Reply STOP to opt out, START to opt back in.",
			"contact":  "Support is available at https://versiful.io/contact.",
			"features": "Guidance by text message and web chat, with your preferred Bible translation.",
		},
	}
}
