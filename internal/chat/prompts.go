package chat

import "strings"

var baseInstructions = map[Language]string{
	Uzbek:   "Siz O'zbek tilida javob beradigan yordamchi botsiz. Har doim O'zbek tilida javob bering.",
	Russian: "Вы помощник-бот, отвечающий на русском языке. Всегда отвечайте на русском языке.",
	English: "You are an assistant bot that responds in English. Always respond in English.",
}

var fallbacks = map[Language]string{
	Uzbek:   "Kechirasiz, hozir javob bera olmayman. Iltimos, keyinroq urinib ko'ring.",
	Russian: "Извините, я не могу ответить прямо сейчас. Пожалуйста, попробуйте позже.",
	English: "Sorry, I can't respond right now. Please try again later.",
}

var knowledgeRules = map[Language]string{
	Uzbek: "Faqat quyidagi bilimlar bazasidagi ma'lumotlar asosida javob bering. " +
		"Agar savolga javob bilimlar bazasida bo'lmasa, bu haqda ma'lumotingiz yo'qligini ayting va taxmin qilmang.",
	Russian: "Отвечайте только на основе информации из базы знаний ниже. " +
		"Если ответа на вопрос нет в базе знаний, скажите, что у вас нет этой информации, и не придумывайте.",
	English: "Answer only using the information in the knowledge base below. " +
		"If the answer is not in the knowledge base, say that you do not have that information and do not guess.",
}

var knowledgeHeaders = map[Language]string{
	Uzbek:   "Bilimlar bazasi:",
	Russian: "База знаний:",
	English: "Knowledge base:",
}

var noKnowledgeRules = map[Language]string{
	Uzbek:   "Sizda hali bilimlar bazasi yo'q. Hech qanday savolga javob bermang va bot hali sozlanmaganini muloyimlik bilan ayting.",
	Russian: "У вас пока нет базы знаний. Не отвечайте ни на какие вопросы и вежливо сообщите, что бот ещё не настроен.",
	English: "You have no knowledge base yet. Do not answer any questions; politely say that the bot has not been set up yet.",
}

var extraHeaders = map[Language]string{
	Uzbek:   "Qo'shimcha ko'rsatmalar:",
	Russian: "Дополнительные указания:",
	English: "Additional instructions:",
}

// Fallback returns the apology sent when no model answer is available.
func Fallback(l Language) string {
	return fallbacks[ParseLanguage(string(l))]
}

// BuildSystemPrompt assembles the system instruction: the language base,
// the knowledge policy, and the bot owner's prompt.
func BuildSystemPrompt(l Language, knowledge, botPrompt string) string {
	l = ParseLanguage(string(l))

	var b strings.Builder
	b.WriteString(baseInstructions[l])
	b.WriteString("\n\n")
	if knowledge = strings.TrimSpace(knowledge); knowledge != "" {
		b.WriteString(knowledgeRules[l])
		b.WriteString("\n\n")
		b.WriteString(knowledgeHeaders[l])
		b.WriteString("\n")
		b.WriteString(knowledge)
	} else {
		b.WriteString(noKnowledgeRules[l])
	}
	if botPrompt = strings.TrimSpace(botPrompt); botPrompt != "" {
		b.WriteString("\n\n")
		b.WriteString(extraHeaders[l])
		b.WriteString(" ")
		b.WriteString(botPrompt)
	}
	return b.String()
}
