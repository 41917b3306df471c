package validate

// Schemas is the full set of JSON Schema documents for spec.md §6's RPC
// surface, keyed by method name. Registered with New() at gateway startup.
var Schemas = map[string]string{
	"register_agent": `{
		"type": "object",
		"properties": {
			"id": {"type": "string"},
			"displayName": {"type": "string"},
			"capabilities": {"type": "array", "items": {"type": "string"}},
			"source": {"type": "string", "enum": ["CLI", "IDE"]},
			"workspaceContext": {"type": "object"}
		}
	}`,

	"wait_for_prompt": `{
		"type": "object",
		"required": ["agentId"],
		"properties": {
			"agentId": {"type": "string", "minLength": 1},
			"timeout": {"type": "integer", "minimum": 0}
		}
	}`,

	"ack_task": `{
		"type": "object",
		"required": ["taskId", "agentId"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"agentId": {"type": "string", "minLength": 1}
		}
	}`,

	"send_response": `{
		"type": "object",
		"required": ["taskId", "status"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"status": {"type": "string", "enum": ["IN_PROGRESS", "IN_REVIEW", "APPROVED", "COMPLETED", "FAILED", "BLOCKED"]},
			"message": {"type": "string"},
			"artifacts": {"type": "array", "items": {"type": "string"}},
			"diff": {"type": "string"},
			"blockedReason": {"type": "string"}
		}
	}`,

	"update_progress": `{
		"type": "object",
		"required": ["taskId", "agentId", "message"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"agentId": {"type": "string", "minLength": 1},
			"phase": {"type": "string"},
			"message": {"type": "string"},
			"percentage": {"type": "number", "minimum": 0, "maximum": 100}
		}
	}`,

	"assign_task": `{
		"type": "object",
		"required": ["prompt"],
		"properties": {
			"prompt": {"type": "string", "minLength": 1},
			"workspaceId": {"type": "string"},
			"targetAgentId": {"type": "string"},
			"requiredCapabilities": {"type": "array", "items": {"type": "string"}},
			"dependencies": {"type": "array", "items": {"type": "string"}},
			"priority": {"type": "string", "enum": ["normal", "high", "critical"]},
			"context": {"type": "object"},
			"sourceAgentId": {"type": "string"}
		}
	}`,

	"wait_for_task": `{
		"type": "object",
		"required": ["taskId"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"timeout": {"type": "integer", "minimum": 0}
		}
	}`,

	"block_task": `{
		"type": "object",
		"required": ["taskId", "reason", "question", "summary"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"reason": {"type": "string", "enum": ["clarification", "dependency", "decision"]},
			"question": {"type": "string", "minLength": 1},
			"summary": {"type": "string", "minLength": 1},
			"notes": {"type": "string"},
			"files": {"type": "array", "items": {"type": "string"}}
		}
	}`,

	"answer_task": `{
		"type": "object",
		"required": ["taskId", "answer"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"answer": {"type": "string", "minLength": 1}
		}
	}`,

	"get_task_context": `{
		"type": "object",
		"required": ["taskId"],
		"properties": {"taskId": {"type": "string", "minLength": 1}}
	}`,

	"list_agents": `{
		"type": "object",
		"properties": {"capability": {"type": "string"}}
	}`,

	"admin_update_agent": `{
		"type": "object",
		"required": ["agentId"],
		"properties": {
			"agentId": {"type": "string", "minLength": 1},
			"displayName": {"type": "string"},
			"capabilities": {"type": "array", "items": {"type": "string"}},
			"color": {"type": "string"}
		}
	}`,

	"admin_evict_agent": `{
		"type": "object",
		"required": ["agentId", "action"],
		"properties": {
			"agentId": {"type": "string", "minLength": 1},
			"reason": {"type": "string"},
			"action": {"type": "string", "enum": ["RESTART", "KILL"]}
		}
	}`,

	"submit_review": `{
		"type": "object",
		"required": ["taskId", "comments"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"comments": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["content"],
					"properties": {
						"content": {"type": "string", "minLength": 1},
						"filePath": {"type": "string"},
						"lineNumber": {"type": "integer"},
						"threadId": {"type": "string"}
					}
				}
			}
		}
	}`,

	"broadcast_system_prompt": `{
		"type": "object",
		"required": ["prompt"],
		"properties": {"prompt": {"type": "string", "minLength": 1}}
	}`,

	"get_review_comments": `{
		"type": "object",
		"required": ["taskId"],
		"properties": {"taskId": {"type": "string", "minLength": 1}}
	}`,

	"resolve_review_comment": `{
		"type": "object",
		"required": ["taskId", "commentId"],
		"properties": {
			"taskId": {"type": "string", "minLength": 1},
			"commentId": {"type": "string", "minLength": 1}
		}
	}`,
}
