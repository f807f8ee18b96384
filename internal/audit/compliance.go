package audit

import "context"

// Regulation references used by the convenience loggers.
const (
	RegulationGDPR  = "GDPR"
	RegulationHIPAA = "HIPAA"
	RegulationSOC2  = "SOC 2"

	RequirementGDPRConsent    = "Art. 7"
	RequirementGDPRAccess     = "Art. 15"
	RequirementHIPAAAuditCtrl = "164.312(b)"
	RequirementSOC2Monitoring = "CC7.2"
)

// LogConsent records a consent decision by userID for purpose.
func (c *Chain) LogConsent(ctx context.Context, userID, purpose string, granted bool) (*Entry, error) {
	action := ActionConsentRevoked
	if granted {
		action = ActionConsentGranted
	}
	return c.Log(ctx, withActor(ctx, LogEntry{
		Action:       action,
		ResourceType: "consent",
		ResourceID:   purpose,
		UserID:       userID,
		Regulation:   RegulationGDPR,
		Requirement:  RequirementGDPRConsent,
		DataTypes:    []string{"PII"},
		Details:      Details{"purpose": purpose, "granted": granted},
	}))
}

// LogDataAccess records userID reading personal data held in a resource.
func (c *Chain) LogDataAccess(ctx context.Context, userID, resourceType, resourceID string, dataTypes ...string) (*Entry, error) {
	if len(dataTypes) == 0 {
		dataTypes = []string{"PII"}
	}
	return c.Log(ctx, withActor(ctx, LogEntry{
		Action:       ActionRead,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		UserID:       userID,
		Regulation:   RegulationGDPR,
		Requirement:  RequirementGDPRAccess,
		DataTypes:    dataTypes,
	}))
}

// LogPHIAccess records userID accessing protected health information of a patient.
func (c *Chain) LogPHIAccess(ctx context.Context, userID, patientID, purpose string) (*Entry, error) {
	return c.Log(ctx, withActor(ctx, LogEntry{
		Action:       ActionAccess,
		ResourceType: "phi",
		ResourceID:   patientID,
		UserID:       userID,
		Regulation:   RegulationHIPAA,
		Requirement:  RequirementHIPAAAuditCtrl,
		DataTypes:    []string{"PHI"},
		Details:      Details{"purpose": purpose},
	}))
}

// LogSecurityEvent records a security-relevant event such as a failed login
// or a permission denial.
func (c *Chain) LogSecurityEvent(ctx context.Context, action Action, severity Severity, outcome Outcome, details Details) (*Entry, error) {
	return c.Log(ctx, withActor(ctx, LogEntry{
		Action:       action,
		ResourceType: "security",
		Regulation:   RegulationSOC2,
		Requirement:  RequirementSOC2Monitoring,
		Severity:     severity,
		Outcome:      outcome,
		Details:      details,
	}))
}
