package marketing

import (
	"fmt"
	"strings"
)

const defaultName = "Aziz foydalanuvchi"

func displayName(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return defaultName
}

// TrialExpiredMessage invites an account whose trial ended to buy access.
func TrialExpiredMessage(name, contact string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚀 %s!\n\n", displayName(name))
	b.WriteString("Sizning AI Chatbot Platform'dagi bepul sinov muddati tugadi.\n\n")
	b.WriteString("🤖 Platformamizda:\n")
	b.WriteString("• Ko'p tilli AI chatbotlar (O'zbek, Rus, Ingliz)\n")
	b.WriteString("• Telegram, WhatsApp, Instagram integratsiyasi\n")
	b.WriteString("• Bilimlar bazasi boshqaruvi\n\n")
	b.WriteString("🎯 To'liq foydalanish uchun biz bilan bog'laning.")
	if contact = strings.TrimSpace(contact); contact != "" {
		b.WriteString("\n\n📞 ")
		b.WriteString(contact)
	}
	return b.String()
}

// TrialEndingMessage reminds an account that its trial ends soon.
func TrialEndingMessage(name string, daysLeft int, contact string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⏰ %s!\n\n", displayName(name))
	fmt.Fprintf(&b, "Bepul sinov muddatingiz tugashiga %d kun qoldi!\n\n", daysLeft)
	b.WriteString("🚀 Shu vaqt ichida botingizni yarating, platformalarga ulang va bilimlar bazasini yuklang.\n\n")
	b.WriteString("💰 To'liq foydalanish uchun sinov tugashidan oldin bog'laning.")
	if contact = strings.TrimSpace(contact); contact != "" {
		b.WriteString("\n\n📞 ")
		b.WriteString(contact)
	}
	return b.String()
}
