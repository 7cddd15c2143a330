package db

// SchemaSQL contains the chat schema initialization SQL.
//
// Message ids are ULIDs so that lexicographic record-id order matches
// insertion order; created_at ties between two appends are broken by id.
const SchemaSQL = `
    -- ==========================================================================
    -- CHAT SESSION TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS chat_session SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS user_id ON chat_session TYPE string;
    DEFINE FIELD IF NOT EXISTS tool_type ON chat_session TYPE string DEFAULT "free_chat";
    DEFINE FIELD IF NOT EXISTS created_at ON chat_session TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS chat_session_user ON chat_session FIELDS user_id;

    -- ==========================================================================
    -- CHAT MESSAGE TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS chat_message SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS session ON chat_message TYPE record<chat_session>;
    DEFINE FIELD IF NOT EXISTS role ON chat_message TYPE string ASSERT $value IN ["user", "assistant"];
    DEFINE FIELD IF NOT EXISTS content ON chat_message TYPE string;
    DEFINE FIELD IF NOT EXISTS created_at ON chat_message TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS chat_message_session ON chat_message FIELDS session;
    DEFINE INDEX IF NOT EXISTS chat_message_created ON chat_message FIELDS session, created_at;
`
