package chatapi

const getChatsQuery = `
query GetChats {
  chats(order_by: { created_at: desc }) {
    id
    title
    created_at
  }
}`

const getChatQuery = `
query GetChat($chat_id: uuid!) {
  chats_by_pk(id: $chat_id) {
    id
    title
    created_at
  }
}`

const getMessagesQuery = `
query GetMessagesForChat($chat_id: uuid!) {
  messages(where: { chat_id: { _eq: $chat_id } }, order_by: { created_at: asc }) {
    id
    content
    role
    created_at
  }
}`

const createChatMutation = `
mutation CreateChat($title: String!) {
  insert_chats_one(object: { title: $title }) {
    id
    title
    created_at
  }
}`

const updateChatTitleMutation = `
mutation UpdateChatTitle($chatId: uuid!, $title: String!) {
  update_chats_by_pk(pk_columns: { id: $chatId }, _set: { title: $title }) {
    id
    title
    created_at
  }
}`

const sendMessageMutation = `
mutation SendMessage($arg1: SampleInput!) {
  sendMessage(arg1: $arg1) {
    success
    error
    message {
      id
      content
      role
      created_at
    }
  }
}`

const messagesSubscription = `
subscription OnNewMessage($chat_id: uuid!) {
  messages(where: { chat_id: { _eq: $chat_id } }, order_by: { created_at: asc }) {
    id
    content
    role
    created_at
  }
}`

const chatsSubscription = `
subscription OnChatsUpdate {
  chats(order_by: { created_at: desc }) {
    id
    title
    created_at
  }
}`
