package outbox

const enrollmentChangedSchema = `{
  "type": "object",
  "title": "EnrollmentChanged",
  "properties": {
    "enrollment_id": {"type": "string"},
    "user_id": {"type": "string"},
    "activity_id": {"type": "string"},
    "status": {"type": "string", "enum": ["active", "cancelled", "completed"]},
    "occurred_at": {"type": "string", "format": "date-time"}
  },
  "required": ["enrollment_id", "user_id", "activity_id", "status", "occurred_at"],
  "additionalProperties": false
}`

const pointsAwardSchema = `{
  "type": "object",
  "title": "PointsAward",
  "properties": {
    "user_id": {"type": "string"},
    "activity_id": {"type": "string"},
    "points": {"type": "integer"},
    "awarded_at": {"type": "string", "format": "date-time"}
  },
  "required": ["user_id", "activity_id", "points", "awarded_at"],
  "additionalProperties": false
}`
