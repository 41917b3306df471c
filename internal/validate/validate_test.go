package validate

import "testing"

func TestNew_CompilesAllSchemas(t *testing.T) {
	v, err := New(Schemas)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for method := range Schemas {
		if !v.Has(method) {
			t.Errorf("expected schema registered for %s", method)
		}
	}
}

func TestValidate_AckTask_MissingAgentIDFails(t *testing.T) {
	v, err := New(Schemas)
	if err != nil {
		t.Fatal(err)
	}
	err = v.Validate("ack_task", map[string]any{"taskId": "t1"})
	if err == nil {
		t.Fatal("expected validation error for missing agentId")
	}
}

func TestValidate_AckTask_ValidPasses(t *testing.T) {
	v, err := New(Schemas)
	if err != nil {
		t.Fatal(err)
	}
	err = v.Validate("ack_task", map[string]any{"taskId": "t1", "agentId": "a1"})
	if err != nil {
		t.Fatalf("expected valid payload to pass, got %v", err)
	}
}

func TestValidate_SendResponse_RejectsUnknownStatus(t *testing.T) {
	v, err := New(Schemas)
	if err != nil {
		t.Fatal(err)
	}
	err = v.Validate("send_response", map[string]any{"taskId": "t1", "status": "BOGUS"})
	if err == nil {
		t.Fatal("expected validation error for unknown status")
	}
}

func TestValidate_UnregisteredMethodAlwaysPasses(t *testing.T) {
	v, err := New(Schemas)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.Validate("no_such_method", map[string]any{}); err != nil {
		t.Fatalf("expected no-op pass for unregistered method, got %v", err)
	}
}
