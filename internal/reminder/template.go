package reminder

import (
	"strconv"
	"strings"
	"time"

	"qms/clinic-queue/internal/store"
)

func defaultTemplate(lang string) string {
	if lang == "en" {
		return "Hi {patient_name}, ticket {ticket_number} for {doctor_name} is expected to be called around {eta}. {position} patient(s) ahead of you."
	}
	return "Halo {patient_name}, nomor antrian {ticket_number} untuk {doctor_name} diperkirakan dipanggil sekitar pukul {eta}. Masih ada {position} pasien sebelum Anda."
}

func subject(lang string) string {
	if lang == "en" {
		return "Your queue turn is coming up"
	}
	return "Giliran antrian Anda segera tiba"
}

// templateVars renders the placeholders for one target. The ETA is shown as
// a wall clock time in loc.
func templateVars(target store.ReminderTarget, loc *time.Location) map[string]string {
	eta := ""
	if target.Entry.EstimatedCallTime != nil {
		eta = target.Entry.EstimatedCallTime.In(loc).Format("15:04")
	}
	return map[string]string{
		"patient_name":  target.Patient.Name,
		"ticket_number": target.Entry.TicketNumber,
		"doctor_name":   target.DoctorName,
		"eta":           eta,
		"position":      strconv.Itoa(target.Position),
	}
}

func renderTemplate(template string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for key, value := range vars {
		pairs = append(pairs, "{"+key+"}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
