package notify

import (
	"fmt"
	"strings"

	"github.com/diariolab/gazeta/store"
)

// Subject builds the email subject for one occurrence.
func Subject(company *store.Company, diary *store.Diary) string {
	return fmt.Sprintf("Menção encontrada: %s — Diário Oficial %s de %s",
		company.Name, diary.StateCode, diary.GazetteDate)
}

// Body builds the notification text shared by email and WhatsApp: which
// company was found, where, how confidently, and the surrounding excerpt.
func Body(company *store.Company, diary *store.Diary, occ *store.Occurrence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Nova menção encontrada no Diário Oficial %s de %s.\n\n",
		diary.StateCode, diary.GazetteDate)
	fmt.Fprintf(&b, "Empresa: %s\n", company.Name)
	fmt.Fprintf(&b, "Termo localizado: %q (%s)\n", occ.Term, occ.MatchKind)
	fmt.Fprintf(&b, "Página: %d\n", occ.Page)
	fmt.Fprintf(&b, "Confiança: %.0f%%\n", occ.Score*100)
	if occ.Context != "" {
		fmt.Fprintf(&b, "\nTrecho:\n…%s…\n", occ.Context)
	}
	return b.String()
}
