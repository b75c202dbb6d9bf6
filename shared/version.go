package shared

// Version of the realtime voice client.
const Version = "0.2.0"
