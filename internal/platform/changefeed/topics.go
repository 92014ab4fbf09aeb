package changefeed

// PatientTopic is signalled when a patient profile changes.
func PatientTopic(clinicID, patientID string) string {
	return clinicID + "/patients/" + patientID
}

// RecordsTopic is signalled when any health record of the patient changes.
func RecordsTopic(clinicID, patientID string) string {
	return clinicID + "/patients/" + patientID + "/healthRecords"
}
