// SPDX-License-Identifier: Apache-2.0

package validation

import (
	"fmt"
	"strings"
)

// Cross-field finding codes.
const (
	CodeGlobalRegionSpecificCountry = "GLOBAL_REGION_SPECIFIC_COUNTRY"
	CodePeriodStartAfterEnd         = "PERIOD_START_AFTER_END"
	CodeSevereComplaintNoOutcome    = "SEVERE_COMPLAINT_NO_OUTCOME"
	CodeIncidentNoPatientOutcome    = "INCIDENT_NO_PATIENT_OUTCOME"
	CodeIncidentNoIMDRFCode         = "INCIDENT_NO_IMDRF_CODE"
	CodeClosedBeforeOpened          = "CLOSED_BEFORE_OPENED"
)

// crossFieldRule inspects the typed values of one record.
type crossFieldRule func(values map[string]Value) []Flag

// crossFieldRules are keyed by evidence category.
var crossFieldRules = map[string][]crossFieldRule{
	"sales":      {globalRegionWithCountry, periodOrder},
	"complaints": {severeComplaintOutcome, closedAfterOpened("complaintDate", "closedDate")},
	"incidents":  {incidentOutcome, incidentIMDRFCode},
	"capa":       {closedAfterOpened("openDate", "closeDate")},
	"fsca":       {closedAfterOpened("initiationDate", "closeDate")},
}

// countryPlaceholders are country values compatible with a global region.
var countryPlaceholders = map[string]bool{
	"all": true, "global": true, "worldwide": true, "ww": true, "n/a": true, "na": true, "-": true,
}

func globalRegionWithCountry(values map[string]Value) []Flag {
	region, country := values["region"].Raw, values["country"].Raw
	if !strings.EqualFold(region, "global") || country == "" || countryPlaceholders[strings.ToLower(country)] {
		return nil
	}
	return []Flag{{
		Code:     CodeGlobalRegionSpecificCountry,
		Severity: SeverityWarning,
		Field:    "country",
		Value:    country,
		Message:  fmt.Sprintf("region is Global but country is %q", country),
	}}
}

func periodOrder(values map[string]Value) []Flag {
	start, end := values["periodStart"].Date, values["periodEnd"].Date
	if start == nil || end == nil || !start.After(*end) {
		return nil
	}
	return []Flag{{
		Code:     CodePeriodStartAfterEnd,
		Severity: SeverityError,
		Field:    "periodStart",
		Message:  fmt.Sprintf("period start %s is after period end %s", values["periodStart"].Raw, values["periodEnd"].Raw),
	}}
}

func severeComplaintOutcome(values map[string]Value) []Flag {
	severity := values["severity"].Raw
	if !strings.EqualFold(severity, "critical") && !strings.EqualFold(severity, "high") {
		return nil
	}
	if !values["patientOutcome"].Empty() {
		return nil
	}
	return []Flag{{
		Code:     CodeSevereComplaintNoOutcome,
		Severity: SeverityWarning,
		Field:    "patientOutcome",
		Message:  fmt.Sprintf("%s complaint has no recorded patient outcome", severity),
	}}
}

func incidentOutcome(values map[string]Value) []Flag {
	if !values["patientOutcome"].Empty() {
		return nil
	}
	return []Flag{{
		Code:     CodeIncidentNoPatientOutcome,
		Severity: SeverityWarning,
		Field:    "patientOutcome",
		Message:  "serious incident has no patient outcome",
	}}
}

func incidentIMDRFCode(values map[string]Value) []Flag {
	if !values["imdrfCode"].Empty() {
		return nil
	}
	return []Flag{{
		Code:     CodeIncidentNoIMDRFCode,
		Severity: SeverityWarning,
		Field:    "imdrfCode",
		Message:  "serious incident has no IMDRF code",
	}}
}

func closedAfterOpened(opened, closed string) crossFieldRule {
	return func(values map[string]Value) []Flag {
		o, c := values[opened].Date, values[closed].Date
		if o == nil || c == nil || !c.Before(*o) {
			return nil
		}
		return []Flag{{
			Code:     CodeClosedBeforeOpened,
			Severity: SeverityWarning,
			Field:    closed,
			Value:    values[closed].Raw,
			Message:  fmt.Sprintf("%s %s is before %s %s", closed, values[closed].Raw, opened, values[opened].Raw),
		}}
	}
}
