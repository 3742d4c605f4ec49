package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ehr/portal/internal/platform/apperr"
	"github.com/ehr/portal/pkg/soql"
)

// QueryClient runs statements against the remote query service.
type QueryClient interface {
	Query(ctx context.Context, statement string) (json.RawMessage, error)
}

// patientFields are the columns the dashboard renders for a patient.
const patientFields = "Id, Name, Patient_ID__c, Age__c, Gender__c, Department__c, Room_Number__c, " +
	"Admission_Date__c, Status__c, Priority__c, Diagnosis__c, Attending_Physician__c, " +
	"Heart_Rate__c, Blood_Pressure__c, Temperature__c, Oxygen_Saturation__c, Last_Vitals_Update__c"

type Service struct {
	client QueryClient
}

func NewService(client QueryClient) *Service {
	return &Service{client: client}
}

// BuildQuery returns the lookup statement for a patient id. The id matches
// either the record id or the hospital's patient number.
func BuildQuery(patientID string) (string, error) {
	lit, err := soql.Literal(patientID)
	if err != nil {
		if errors.Is(err, soql.ErrEmptyLiteral) {
			return "", apperr.Validation("patientId is required")
		}
		return "", apperr.Validation("patientId contains invalid characters")
	}
	return fmt.Sprintf("SELECT %s FROM Patient__c WHERE Id = %s OR Patient_ID__c = %s LIMIT 1",
		patientFields, lit, lit), nil
}

// Get looks up a patient and returns the query result unchanged.
func (s *Service) Get(ctx context.Context, patientID string) (json.RawMessage, error) {
	stmt, err := BuildQuery(patientID)
	if err != nil {
		return nil, err
	}
	return s.client.Query(ctx, stmt)
}
