package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidAction(t *testing.T) {
	assert.True(t, ValidAction(ActionMemberAdd))
	assert.True(t, ValidAction(ActionOwnershipTransfer))
	assert.False(t, ValidAction(Action("member.promote")))
	assert.False(t, ValidAction(Action("")))
}

func TestValidEntityType(t *testing.T) {
	assert.True(t, ValidEntityType(EntityMember))
	assert.True(t, ValidEntityType(EntityServer))
	assert.False(t, ValidEntityType(EntityType("widget")))
}

func TestDetailsPayloadValidate(t *testing.T) {
	tests := []struct {
		name    string
		payload DetailsPayload
		wantErr bool
	}{
		{name: "field changes with a change", payload: FieldChanges{Changes: map[string]FieldChange{"role": {Old: "viewer", New: "editor"}}}},
		{name: "field changes empty", payload: FieldChanges{}, wantErr: true},
		{name: "member change with new role", payload: MemberChange{NewRole: "viewer"}},
		{name: "member change with old role only", payload: MemberChange{OldRole: "admin"}},
		{name: "member change empty", payload: MemberChange{}, wantErr: true},
		{name: "ownership transfer complete", payload: OwnershipTransferDetails{PreviousOwnerID: "a", NewOwnerID: "b"}},
		{name: "ownership transfer missing a party", payload: OwnershipTransferDetails{NewOwnerID: "b"}, wantErr: true},
		{name: "import with format", payload: ImportExportDetails{Format: "markdown", Count: 12}},
		{name: "import without format", payload: ImportExportDetails{Count: 12}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.payload.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMarshalDetails(t *testing.T) {
	raw, err := MarshalDetails(MemberChange{OldRole: "viewer", NewRole: "editor"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"old_role":"viewer","new_role":"editor"}`, string(raw))

	_, err = MarshalDetails(MemberChange{})
	assert.Error(t, err)

	raw, err = MarshalDetails(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)
}
