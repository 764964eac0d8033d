package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRules() RegistrationRules {
	all := []Stage{StagePrevalidation, StagePreoperation, StagePostoperation}
	return RegistrationRules{Messages: map[string]MessageRule{
		"Create":   {Name: "Create", Stages: all, AsyncStages: []Stage{StagePostoperation}, UniqueRank: true},
		"Update":   {Name: "Update", Stages: all, AsyncStages: []Stage{StagePostoperation}, FilteringAttributes: true},
		"Delete":   {Name: "Delete", Stages: all, AsyncStages: []Stage{StagePostoperation}},
		"Retrieve": {Name: "Retrieve", Stages: all},
		"Close":    {Name: "Close", Entities: []string{"incident", "opportunity"}, Stages: all},
	}}
}

func TestValidator(t *testing.T) {
	v := NewRegistrationValidator(testRules(), DefaultImagePolicy())

	tests := []struct {
		name    string
		reg     StepRegistration
		wantErr string
	}{
		{
			name: "create preoperation sync",
			reg:  StepRegistration{MessageName: "Create", Stage: StagePreoperation},
		},
		{
			name: "message matched case-insensitively",
			reg:  StepRegistration{MessageName: "create", Stage: StagePostoperation, Mode: ModeAsynchronous},
		},
		{
			name:    "unknown message",
			reg:     StepRegistration{MessageName: "Frobnicate", Stage: StagePreoperation},
			wantErr: `message "Frobnicate" is not supported`,
		},
		{
			name:    "async preoperation",
			reg:     StepRegistration{MessageName: "Create", Stage: StagePreoperation, Mode: ModeAsynchronous},
			wantErr: "stage Preoperation is not allowed in Asynchronous mode",
		},
		{
			name:    "retrieve async never allowed",
			reg:     StepRegistration{MessageName: "Retrieve", Stage: StagePostoperation, Mode: ModeAsynchronous},
			wantErr: "not allowed in Asynchronous mode",
		},
		{
			name:    "entity not allowed",
			reg:     StepRegistration{MessageName: "Close", EntityLogicalName: "account", Stage: StagePreoperation},
			wantErr: `entity "account" is not supported for message Close`,
		},
		{
			name:    "wildcard entity not allowed for restricted message",
			reg:     StepRegistration{MessageName: "Close", Stage: StagePreoperation},
			wantErr: `entity "*" is not supported`,
		},
		{
			name: "restricted entity allowed",
			reg:  StepRegistration{MessageName: "Close", EntityLogicalName: "Incident", Stage: StagePreoperation},
		},
		{
			name:    "filtering attributes on create",
			reg:     StepRegistration{MessageName: "Create", Stage: StagePreoperation, FilteringAttributes: []string{"name"}},
			wantErr: "filtering attributes are not supported",
		},
		{
			name: "filtering attributes on update",
			reg:  StepRegistration{MessageName: "Update", Stage: StagePreoperation, FilteringAttributes: []string{"name"}},
		},
		{
			name:    "pre-image on create",
			reg:     StepRegistration{MessageName: "Create", Stage: StagePostoperation, Images: []ImageRegistration{{Name: "pre", Type: ImageTypePre}}},
			wantErr: `pre-image "pre" is not available for Create at Postoperation`,
		},
		{
			name:    "post-image on update preoperation",
			reg:     StepRegistration{MessageName: "Update", Stage: StagePreoperation, Images: []ImageRegistration{{Name: "post", Type: ImageTypePost}}},
			wantErr: `post-image "post" is not available for Update at Preoperation`,
		},
		{
			name: "both images on update postoperation",
			reg:  StepRegistration{MessageName: "Update", Stage: StagePostoperation, Images: []ImageRegistration{{Name: "img", Type: ImageTypeBoth}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.reg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, IsRegistrationError(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidator_UniqueRank(t *testing.T) {
	v := NewRegistrationValidator(testRules(), DefaultImagePolicy())
	existing := StepRegistration{MessageName: "Create", EntityLogicalName: "account", Stage: StagePreoperation, Rank: 1}

	err := v.Validate(StepRegistration{MessageName: "Create", EntityLogicalName: "account", Stage: StagePreoperation, Rank: 1}, existing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rank 1 is already used")

	// Different entity, stage or rank is fine.
	assert.NoError(t, v.Validate(StepRegistration{MessageName: "Create", EntityLogicalName: "contact", Stage: StagePreoperation, Rank: 1}, existing))
	assert.NoError(t, v.Validate(StepRegistration{MessageName: "Create", EntityLogicalName: "account", Stage: StagePostoperation, Rank: 1}, existing))
	assert.NoError(t, v.Validate(StepRegistration{MessageName: "Create", EntityLogicalName: "account", Stage: StagePreoperation, Rank: 2}, existing))

	// Update does not enforce unique rank.
	existingUpdate := StepRegistration{MessageName: "Update", Stage: StagePreoperation, Rank: 1}
	assert.NoError(t, v.Validate(StepRegistration{MessageName: "Update", Stage: StagePreoperation, Rank: 1}, existingUpdate))
}

func TestValidator_AllowUnknownMessages(t *testing.T) {
	rules := testRules()
	rules.AllowUnknownMessages = true
	v := NewRegistrationValidator(rules, DefaultImagePolicy())
	assert.NoError(t, v.Validate(StepRegistration{MessageName: "new_CustomAction", Stage: StagePostoperation, Mode: ModeAsynchronous}))
}

func TestRegistrationError_Message(t *testing.T) {
	err := newRegistrationError(StepRegistration{MessageName: "Create", Stage: StagePreoperation}, "first", "second")
	assert.Equal(t,
		"INVALID_REGISTRATION: first; second (message=Create, entity=*, stage=Preoperation, mode=Synchronous)",
		err.Error())
}
