package execrunner

// tsWrapperTemplate and jsWrapperTemplate implement the result/error channel
// contract: a global `result` with set(v)/error(e), a dynamic import of the
// user module so its own stack traces resolve to its own URL, and a single
// JSON-safe {result, error} payload written to resultPath on every exit
// path. The two %q placeholders are filled by execrunner before the file is
// written, in order: resultPath, then the user module's file:// URL.
const tsWrapperTemplate = `
const __resultPath = %q;
const __modulePath = %q;

let __settled = false;
let __payload = { result: undefined, error: undefined };

globalThis.result = {
  set(v) { __settled = true; __payload = { result: v, error: undefined }; },
  error(e) { __settled = true; __payload = { result: undefined, error: __normalizeError(e) }; },
};

function __normalizeError(v) {
  if (typeof v === "string") return { name: "Error", message: v };
  if (v && typeof v === "object" && ("name" in v || "message" in v || "stack" in v)) {
    const out = {};
    if ("name" in v) out.name = v.name;
    if ("message" in v) out.message = v.message;
    if ("stack" in v) out.stack = v.stack;
    return out;
  }
  if (v && typeof v === "object") return v;
  return { name: "Error", message: String(v) };
}

function __safeStringify(obj) {
  const seen = new WeakSet();
  return JSON.stringify(obj, (_key, value) => {
    if (typeof value === "bigint") return value.toString();
    if (typeof value === "object" && value !== null) {
      if (seen.has(value)) return "[Circular]";
      seen.add(value);
    }
    return value;
  });
}

async function __main() {
  let exitCode = 0;
  try {
    await import(__modulePath);
  } catch (e) {
    __settled = true;
    __payload = { result: undefined, error: __normalizeError(e) };
    exitCode = 1;
  }
  if (__payload.error !== undefined) exitCode = 1;
  await Deno.writeTextFile(__resultPath, __safeStringify(__payload));
  Deno.exit(exitCode);
}

__main();
`

const jsWrapperTemplate = `
const fs = require("fs");

const __resultPath = %q;
const __modulePath = %q;

let __payload = { result: undefined, error: undefined };

function __normalizeError(v) {
  if (typeof v === "string") return { name: "Error", message: v };
  if (v && typeof v === "object" && ("name" in v || "message" in v || "stack" in v)) {
    const out = {};
    if ("name" in v) out.name = v.name;
    if ("message" in v) out.message = v.message;
    if ("stack" in v) out.stack = v.stack;
    return out;
  }
  if (v && typeof v === "object") return v;
  return { name: "Error", message: String(v) };
}

function __safeStringify(obj) {
  const seen = new WeakSet();
  return JSON.stringify(obj, (_key, value) => {
    if (typeof value === "bigint") return value.toString();
    if (typeof value === "object" && value !== null) {
      if (seen.has(value)) return "[Circular]";
      seen.add(value);
    }
    return value;
  });
}

globalThis.result = {
  set(v) { __payload = { result: v, error: undefined }; },
  error(e) { __payload = { result: undefined, error: __normalizeError(e) }; },
};

async function __main() {
  let exitCode = 0;
  try {
    await import(__modulePath);
  } catch (e) {
    __payload = { result: undefined, error: __normalizeError(e) };
    exitCode = 1;
  }
  if (__payload.error !== undefined) exitCode = 1;
  fs.writeFileSync(__resultPath, __safeStringify(__payload));
  process.exit(exitCode);
}

__main();
`
