package relay

import (
	"github.com/memohai/chatrelay/internal/channel"
	"github.com/memohai/chatrelay/internal/chat"
)

const (
	commandStart    = "start"
	commandHelp     = "help"
	commandLanguage = "language"

	languageCallbackPrefix = "lang_"
)

var greetings = map[chat.Language]string{
	chat.Uzbek:   "Assalomu alaykum! Men %s yordamchisiman. Savolingizni yozing yoki tilni tanlang:",
	chat.Russian: "Здравствуйте! Я помощник %s. Задайте вопрос или выберите язык:",
	chat.English: "Hello! I am the %s assistant. Ask a question or choose a language:",
}

var helpTexts = map[chat.Language]string{
	chat.Uzbek: "Savolingizni oddiy matn bilan yozing, men javob beraman.\n" +
		"/start - boshlash\n/language - tilni o'zgartirish\n/help - yordam",
	chat.Russian: "Напишите ваш вопрос обычным текстом, и я отвечу.\n" +
		"/start - начать\n/language - сменить язык\n/help - помощь",
	chat.English: "Type your question as plain text and I will answer.\n" +
		"/start - start over\n/language - change language\n/help - help",
}

var chooseLanguage = map[chat.Language]string{
	chat.Uzbek:   "Tilni tanlang:",
	chat.Russian: "Выберите язык:",
	chat.English: "Choose a language:",
}

var languageSet = map[chat.Language]string{
	chat.Uzbek:   "Til o'zbek tiliga o'zgartirildi.",
	chat.Russian: "Язык изменён на русский.",
	chat.English: "Language switched to English.",
}

var limitReached = map[chat.Language]string{
	chat.Uzbek:   "Bugungi xabarlar limiti tugadi. Iltimos, ertaga qayta yozing.",
	chat.Russian: "Дневной лимит сообщений исчерпан. Пожалуйста, напишите завтра.",
	chat.English: "Today's message limit has been reached. Please write again tomorrow.",
}

func text(m map[chat.Language]string, lang string) string {
	return m[chat.ParseLanguage(lang)]
}

// languageKeyboard is the inline language picker.
func languageKeyboard() channel.Keyboard {
	return channel.Keyboard{
		{
			{Text: "🇺🇿 O'zbek", Data: languageCallbackPrefix + string(chat.Uzbek)},
			{Text: "🇷🇺 Русский", Data: languageCallbackPrefix + string(chat.Russian)},
		},
		{
			{Text: "🇺🇸 English", Data: languageCallbackPrefix + string(chat.English)},
		},
	}
}
