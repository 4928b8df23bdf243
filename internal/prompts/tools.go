package prompts

// LookupToolDescription tells the model when to consult the catalog.
const LookupToolDescription = "Consulta información de propiedades disponibles. Usa cuando tengas suficiente información del cliente."

// ScheduleToolDescription tells the model when to book a visit.
const ScheduleToolDescription = "Agenda una cita cuando el cliente CONFIRME que desea una visita."

// RetryHint is added to scheduling failures caused by bad arguments so
// the model corrects them on the next turn.
const RetryHint = "Corrige los datos y vuelve a intentar: fecha en formato YYYY-MM-DD y hora_inicio en formato HH:MM (24 horas)."
