package auth

import "testing"

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role Role
		perm Permission
		want bool
	}{
		{RoleViewer, PermDeviceRead, true},
		{RoleViewer, PermDeviceOperate, false},
		{RoleViewer, PermAuditRead, false},
		{RoleOperator, PermDeviceOperate, true},
		{RoleOperator, PermFleetRefresh, true},
		{Role("guest"), PermDeviceRead, false},
	}
	for _, tt := range tests {
		if got := HasPermission(tt.role, tt.perm); got != tt.want {
			t.Errorf("HasPermission(%s, %s) = %v, want %v", tt.role, tt.perm, got, tt.want)
		}
	}
}

func TestRoleValid(t *testing.T) {
	if !RoleViewer.Valid() || !RoleOperator.Valid() {
		t.Error("built-in roles should be valid")
	}
	if Role("").Valid() {
		t.Error("empty role should be invalid")
	}
}
